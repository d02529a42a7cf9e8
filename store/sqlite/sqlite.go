/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Opens a SQLite database, creates the schema, and serves ledger.Store and
  ledger.AuditLog through the shared SQL layer in store/sqlstore.

INTERFACES IMPLEMENTED:
  ledger.Store:    entries, month status, observations, unlock requests, units
  ledger.AuditLog: append-only audit trail

KEY TABLES:
  entries:            unique per (year, month, day, time_slot, church)
  month_status:       one row per month, created on first close
  month_observations: one free-text note per month
  unlock_requests:    PENDING -> APPROVED | REJECTED
  units:              church directory
  audit_events:       append-only

INDEXES:
  - idx_entries_month: month aggregation (hot path)
  - idx_unlock_one_pending: one pending request per (requester, key)
  - idx_unlock_key_status: grant lookups from the gate

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledgerlock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). The PostgreSQL store uses versioned goose
  migrations instead.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlstore: Shared queries
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/ledgerlock/store/sqlstore"
)

// Dialect is the SQLite flavor of the shared SQL layer.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite3",
	IsUniqueViolation: isUniqueConstraintError,
}

// Store implements ledger.Store and ledger.AuditLog using SQLite.
type Store struct {
	*sqlstore.Store
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: each ":memory:" connection is its own database, and
	// SQLite allows one writer anyway.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{Store: sqlstore.New(db, Dialect)}, nil
}

// migrate creates the database schema.
func migrate(db *sql.DB) error {
	schema := `
	-- Entries (never deleted)
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		day INTEGER NOT NULL,
		time_slot TEXT NOT NULL,
		church TEXT NOT NULL,
		value TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		church_name TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (year, month, day, time_slot, church)
	);

	-- Month aggregation and scope filters (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_month
		ON entries(year, month, day, time_slot);
	CREATE INDEX IF NOT EXISTS idx_entries_month_state
		ON entries(year, month, state);
	CREATE INDEX IF NOT EXISTS idx_entries_month_owner
		ON entries(year, month, owner_id);

	-- Month lock (absent row = open)
	CREATE TABLE IF NOT EXISTS month_status (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		month_id TEXT NOT NULL,
		closed BOOLEAN NOT NULL DEFAULT 0,
		closed_by TEXT,
		closed_at TEXT,
		reopened_by TEXT,
		reopened_at TEXT,
		PRIMARY KEY (year, month)
	);

	CREATE TABLE IF NOT EXISTS month_observations (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		body TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (year, month)
	);

	-- Unlock requests
	CREATE TABLE IF NOT EXISTS unlock_requests (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		requester_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		day INTEGER NOT NULL,
		time_slot TEXT NOT NULL,
		church TEXT NOT NULL,
		entry_exists BOOLEAN NOT NULL DEFAULT 0,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		decided_by TEXT,
		decided_at TEXT,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		granted_at TEXT
	);

	-- CRITICAL: one pending request per requester and key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unlock_one_pending
		ON unlock_requests(requester_id, year, month, day, time_slot, church)
		WHERE status = 'pending';

	-- Grant lookups and the pending queue
	CREATE INDEX IF NOT EXISTS idx_unlock_key_status
		ON unlock_requests(year, month, day, time_slot, church, status);
	CREATE INDEX IF NOT EXISTS idx_unlock_status_created
		ON unlock_requests(status, created_at);

	-- Church directory
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT ''
	);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		details_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_actor
		ON audit_events(actor_id, occurred_at);
	`

	_, err := db.Exec(schema)
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
