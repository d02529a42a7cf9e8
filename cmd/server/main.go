/*
main.go - Application entry point

PURPOSE:
  Command-line entry point for the ledgerlock server. Loads configuration,
  opens the store, wires the services and runs the HTTP API, plus a few
  administrative commands that act on the same store.

COMMANDS:
  serve                    Run the HTTP API until SIGINT/SIGTERM
  migrate                  Apply schema migrations and exit
  month close|reopen Y M   Close or reopen a month as the "cli" administrator
  seed                     Load a demo scenario
  token                    Print a bearer token for local testing

CONFIGURATION (lowest to highest precedence):
  1. Built-in defaults (config.Default)
  2. YAML file given with --config
  3. Command-line flags

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ledgerlock serve --db-dsn ./data/ledger.db

  # Run against PostgreSQL
  ledgerlock serve --db-driver postgres --db-dsn postgres://localhost/ledger

  # Close June 2025 from the shell
  ledgerlock month close 2025 6

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - app/app.go: Service wiring
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/ledgerlock/api"
	"github.com/warp/ledgerlock/app"
	"github.com/warp/ledgerlock/config"
	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/ledger/store"
	"github.com/warp/ledgerlock/metrics"
	"github.com/warp/ledgerlock/scenario"
	"github.com/warp/ledgerlock/store/postgres"
	"github.com/warp/ledgerlock/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

// cliAdmin is the identity administrative commands act as.
var cliAdmin = ledger.Identity{UserID: "cli", Role: ledger.RoleMaster}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// ROOT AND FLAGS
// =============================================================================

type rootOptions struct {
	configPath string
	addr       string
	driver     string
	dsn        string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "ledgerlock",
		Short:        "Month-locked financial ledger",
		Long:         "Records per-church entries, locks closed months and grants time-boxed unlocks.",
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&opts.addr, "addr", "", "HTTP listen address")
	pf.StringVar(&opts.driver, "db-driver", "", "storage driver (sqlite|postgres|memory)")
	pf.StringVar(&opts.dsn, "db-dsn", "", "database DSN or SQLite path")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format (text|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newMonthCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))

	return cmd
}

// load builds the config: defaults, then the YAML file, then changed flags.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTP.Addr = o.addr
	}
	if flags.Changed("db-driver") {
		cfg.Database.Driver = o.driver
	}
	if flags.Changed("db-dsn") {
		cfg.Database.DSN = o.dsn
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	lvl, _ := cfg.LogLevel()
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}

// =============================================================================
// STORE SELECTION
// =============================================================================

type backend interface {
	ledger.Store
	ledger.AuditLog
}

type memoryBackend struct {
	*store.Memory
	*store.MemoryAuditLog
}

// openStore opens the configured store. SQLite and PostgreSQL migrate on open.
func openStore(ctx context.Context, cfg config.Config) (backend, func() error, error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory:
		m := memoryBackend{Memory: store.NewMemory(), MemoryAuditLog: store.NewMemoryAuditLog()}
		return m, func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown driver %q", cfg.Database.Driver)
}

// runtime is everything a command needs after startup.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	store   backend
	app     *app.App
	metrics *metrics.Metrics
	close   func() error
}

func (o *rootOptions) start(cmd *cobra.Command) (*runtime, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	clock, err := ledger.NewSystemClock(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	st, closeFn, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	m := metrics.New()
	audit := ledger.NewLoggingAuditLog(st, logger.With("component", "audit"))
	a := app.New(st, audit, clock, app.Options{
		EditWindow:             cfg.Gate.EditWindow,
		DefaultDurationMinutes: cfg.Unlock.DefaultDurationMinutes,
		MaxDurationMinutes:     cfg.Unlock.MaxDurationMinutes,
		Metrics:                m,
		Logger:                 logger,
	})

	return &runtime{cfg: cfg, logger: logger, store: st, app: a, metrics: m, close: closeFn}, nil
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.start(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(cmd.Context(), rt)
		},
	}
}

func serve(parent context.Context, rt *runtime) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := api.NewHandler(rt.app.Entries, rt.app.Months, rt.app.Unlocks, rt.app.Reports, rt.app.Audit, rt.app.Clock)
	h.Timezone = rt.cfg.Timezone
	h.Logger = rt.logger.With("component", "api")

	router := api.NewRouter(h, api.RouterOptions{
		Verifier:       api.NewTokenVerifier(rt.cfg.Auth.JWTSecret, rt.cfg.Auth.Issuer),
		AllowedOrigins: rt.cfg.CORS.AllowedOrigins,
		Metrics:        rt.metrics.Handler(),
		Logger:         rt.logger.With("component", "http"),
	})

	server := &http.Server{
		Addr:         rt.cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("server starting",
			"addr", server.Addr,
			"driver", rt.cfg.Database.Driver,
			"timezone", rt.cfg.Timezone,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	rt.logger.Info("server stopped")
	return nil
}

// =============================================================================
// MIGRATE
// =============================================================================

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			switch cfg.Database.Driver {
			case config.DriverPostgres:
				s, err := postgres.Open(cmd.Context(), cfg.Database.DSN)
				if err != nil {
					return err
				}
				defer s.Close()
				if err := postgres.Migrate(cmd.Context(), s.DB()); err != nil {
					return err
				}
			case config.DriverSQLite:
				// Schema is created on open
				s, err := sqlite.New(cfg.Database.DSN)
				if err != nil {
					return err
				}
				defer s.Close()
			default:
				logger.Info("nothing to migrate", "driver", cfg.Database.Driver)
				return nil
			}
			logger.Info("migrations applied", "driver", cfg.Database.Driver)
			return nil
		},
	}
}

// =============================================================================
// MONTH
// =============================================================================

func newMonthCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "month",
		Short: "Close or reopen a month",
	}
	cmd.AddCommand(newMonthTransitionCommand(opts, "close"))
	cmd.AddCommand(newMonthTransitionCommand(opts, "reopen"))
	return cmd
}

func newMonthTransitionCommand(opts *rootOptions, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " YEAR MONTH",
		Short: action + " a month as the cli administrator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, month, err := parseYearMonth(args[0], args[1])
			if err != nil {
				return err
			}
			rt, err := opts.start(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			var status ledger.MonthStatus
			if action == "close" {
				status, err = rt.app.Months.Close(cmd.Context(), cliAdmin, year, month)
			} else {
				status, err = rt.app.Months.Reopen(cmd.Context(), cliAdmin, year, month)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s closed=%t\n", ledger.MonthID(status.Year, status.Month), status.Closed)
			return nil
		},
	}
}

func parseYearMonth(y, m string) (int, int, error) {
	year, err := strconv.Atoi(y)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid year %q", y)
	}
	month, err := strconv.Atoi(m)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid month %q", m)
	}
	return year, month, nil
}

// =============================================================================
// SEED AND TOKEN
// =============================================================================

func newSeedCommand(opts *rootOptions) *cobra.Command {
	var (
		name        string
		year, month int
	)
	now := time.Now()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a demo scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.start(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := scenario.Load(cmd.Context(), name, rt.app, rt.store, year, month)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s: %d units, %d entries\n", res.Scenario, res.Units, res.Entries)
			if res.Unlock != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "unlock request %s (%s)\n", res.Unlock.ID, res.Unlock.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "scenario", "open-month", "scenario id")
	cmd.Flags().IntVar(&year, "year", now.Year(), "year to seed")
	cmd.Flags().IntVar(&month, "month", int(now.Month()), "month to seed")
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		id          ledger.Identity
		role, scope string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			id.Role = ledger.Role(role)
			id.Scope = ledger.Scope(scope)
			tok, err := api.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Sign(id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&id.UserID, "user", "", "user id")
	f.StringVar(&role, "role", string(ledger.RoleMaster), "role")
	f.StringVar(&scope, "scope", "", "scope (global|state|church)")
	f.StringVar(&id.State, "state", "", "state for state scope")
	f.StringVar(&id.Church, "church", "", "church for church scope")
	f.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
