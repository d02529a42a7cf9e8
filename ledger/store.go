/*
store.go - Persistence interfaces for entries, month locks and unlock requests

PURPOSE:
  Defines the boundary between the engine and the database. Different
  implementations use SQLite, PostgreSQL or memory; the engine only sees
  these interfaces.

KEY INTERFACES:
  EntryStore:    Entry upsert and month queries
  MonthStore:    Month status and month observation records
  UnlockStore:   Unlock request lifecycle with a single-decision guard
  UnitDirectory: Church lookup (owned by the external CRUD layer)
  Store:         All of the above

CONCURRENCY CONTRACT:
  - SaveMonthStatus is last-writer-wins. Close and reopen are idempotent, so
    no further coordination is needed.
  - DecideUnlock MUST be a conditional update keyed on status = pending. When
    two administrators race, exactly one wins; the other sees ErrAlreadyDecided.
  - CreateUnlock MUST reject a second pending request for the same
    (requester, key) with ErrAlreadyPending.
  - UpsertEntry is per-key; authorization is re-checked on every call so no
    lock is held across requests.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - audit.go: Append-only audit sink
*/
package ledger

import "context"

// =============================================================================
// ENTRY STORE
// =============================================================================

type EntryStore interface {
	// GetEntry returns the entry at key. found is false when absent.
	GetEntry(ctx context.Context, key EntryKey) (entry Entry, found bool, err error)

	// UpsertEntry writes the entry, keeping CreatedAt of an existing row.
	UpsertEntry(ctx context.Context, entry Entry) (Entry, error)

	// ListEntries returns matching entries ordered by day, time slot, then
	// creation time.
	ListEntries(ctx context.Context, q EntryQuery) ([]Entry, error)
}

// =============================================================================
// MONTH STORE
// =============================================================================

type MonthStore interface {
	// GetMonthStatus returns the stored record. found is false when the month
	// was never closed, which means it is open.
	GetMonthStatus(ctx context.Context, year, month int) (status MonthStatus, found bool, err error)

	// SaveMonthStatus upserts the record for (year, month).
	SaveMonthStatus(ctx context.Context, status MonthStatus) error

	GetObservation(ctx context.Context, year, month int) (obs MonthObservation, found bool, err error)
	SaveObservation(ctx context.Context, obs MonthObservation) error
}

// =============================================================================
// UNLOCK STORE
// =============================================================================

type UnlockStore interface {
	// CreateUnlock persists a new pending request. Returns ErrAlreadyPending
	// when the requester already has a pending request for the same key.
	CreateUnlock(ctx context.Context, req UnlockRequest) error

	// GetUnlock returns ErrNotFound for unknown ids.
	GetUnlock(ctx context.Context, id string) (UnlockRequest, error)

	// ListPendingUnlocks returns pending requests, oldest first.
	ListPendingUnlocks(ctx context.Context) ([]UnlockRequest, error)

	// ListApprovedUnlocks returns approved requests for key filed by any of
	// requesterIDs. Expiry is left to the caller.
	ListApprovedUnlocks(ctx context.Context, key EntryKey, requesterIDs []string) ([]UnlockRequest, error)

	// DecideUnlock applies d only if the request is still pending and returns
	// the updated request. Returns ErrNotFound or ErrAlreadyDecided.
	DecideUnlock(ctx context.Context, id string, d UnlockDecision) (UnlockRequest, error)
}

// =============================================================================
// UNIT DIRECTORY
// =============================================================================

// UnitDirectory resolves churches. Units are managed by the CRUD layer; the
// engine only reads them to place new entries in a state.
type UnitDirectory interface {
	GetUnit(ctx context.Context, id string) (unit Unit, found bool, err error)
}

// Store is everything the engine persists.
type Store interface {
	EntryStore
	MonthStore
	UnlockStore
	UnitDirectory

	// SaveUnit seeds the directory. Used by tests and the demo loader.
	SaveUnit(ctx context.Context, unit Unit) error
}
