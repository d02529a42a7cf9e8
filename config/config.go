// Package config holds runtime settings for the ledgerlock server: defaults,
// an optional YAML overlay, and command-line flags applied by cmd/server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver names accepted by Database.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds runtime settings.
//
// Fields:
//   - HTTP.Addr: bind address for the API.
//   - Database: storage driver and its DSN (a file path for sqlite).
//   - Auth: HMAC secret and expected issuer for bearer tokens (HS256).
//   - Timezone: IANA zone used for "now" (edit windows, grants, /api/time/current).
//   - Gate.EditWindow: how long an entry stays editable in an open month; 0 disables.
//   - Unlock.DefaultDurationMinutes: grant length when an approval names none.
//   - Unlock.MaxDurationMinutes: longest grant an approval may name; 0 keeps the built-in one-year cap.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Timezone string         `yaml:"timezone"`
	Gate     GateConfig     `yaml:"gate"`
	Unlock   UnlockConfig   `yaml:"unlock"`
	Log      LogConfig      `yaml:"log"`
	CORS     CORSConfig     `yaml:"cors"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type GateConfig struct {
	EditWindow time.Duration `yaml:"edit_window"`
}

type UnlockConfig struct {
	DefaultDurationMinutes int `yaml:"default_duration_minutes"`
	MaxDurationMinutes     int `yaml:"max_duration_minutes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns development defaults.
// NOTE: the JWT secret is insecure and must be overridden in production.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: "ledgerlock.db"},
		Auth:     AuthConfig{JWTSecret: "dev-secret", Issuer: "ledgerlock"},
		Timezone: "America/Sao_Paulo",
		Unlock:   UnlockConfig{DefaultDurationMinutes: 60},
		Log:      LogConfig{Level: "info", Format: "text"},
		CORS:     CORSConfig{AllowedOrigins: []string{"*"}},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path skips the file. Keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := Parse(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse overlays YAML onto cfg.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be one of %s, %s, %s; got %q",
			DriverSQLite, DriverPostgres, DriverMemory, c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if c.Gate.EditWindow < 0 {
		return errors.New("gate.edit_window must not be negative")
	}
	if c.Unlock.DefaultDurationMinutes <= 0 {
		return errors.New("unlock.default_duration_minutes must be positive")
	}
	if c.Unlock.MaxDurationMinutes < 0 {
		return errors.New("unlock.max_duration_minutes must not be negative")
	}
	if c.Unlock.MaxDurationMinutes > 0 && c.Unlock.DefaultDurationMinutes > c.Unlock.MaxDurationMinutes {
		return errors.New("unlock.default_duration_minutes exceeds unlock.max_duration_minutes")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json; got %q", c.Log.Format)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Log.Level (debug, info, warn, error).
func (c Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Location loads Timezone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
