/*
Package sqlstore implements ledger.Store and ledger.AuditLog over database/sql.

PURPOSE:
  The SQLite and PostgreSQL stores share every query. Each one opens its own
  connection, owns its schema, and supplies a Dialect for the two things that
  differ: placeholder syntax and how a unique violation is reported.

KEY TABLES:
  entries:          one row per (year, month, day, time_slot, church)
  month_status:     one row per (year, month); absent means open
  month_observations
  unlock_requests:  the unlock lifecycle
  units:            church directory (read-only for the engine)
  audit_events:     append-only audit trail

CONCURRENCY:
  - Entry writes are single-statement upserts on the key.
  - Month status writes are upserts, last writer wins.
  - Unlock decisions are "UPDATE ... WHERE status = 'pending'". Zero rows
    affected means someone else decided first.
  - A partial unique index on pending requests rejects duplicates.

ENCODING:
  Decimal values are stored as TEXT to keep exact digits. Timestamps are
  stored as UTC TEXT in a fixed-width layout so lexical order is time order.

SEE ALSO:
  - store/sqlite: SQLite schema and connection
  - store/postgres: PostgreSQL schema (goose) and connection
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledgerlock/ledger"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of ?.
	Numbered bool
	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation func(error) bool
}

// Store implements ledger.Store and ledger.AuditLog.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders for dialects that number them.
func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `year, month, day, time_slot, church, value, note, owner_id, church_name, state, created_at, updated_at`

func (s *Store) GetEntry(ctx context.Context, key ledger.EntryKey) (ledger.Entry, bool, error) {
	row := s.queryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE year = ? AND month = ? AND day = ? AND time_slot = ? AND church = ?`,
		key.Year, key.Month, key.Day, string(key.TimeSlot), key.Church,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("get entry: %w", err)
	}
	return e, true, nil
}

func (s *Store) UpsertEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	_, err := s.exec(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (year, month, day, time_slot, church) DO UPDATE SET
			value = excluded.value,
			note = excluded.note,
			owner_id = excluded.owner_id,
			church_name = excluded.church_name,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		e.Key.Year, e.Key.Month, e.Key.Day, string(e.Key.TimeSlot), e.Key.Church,
		e.Value.String(), e.Note, e.OwnerID, e.ChurchName, e.State,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("upsert entry: %w", err)
	}

	saved, _, err := s.GetEntry(ctx, e.Key)
	return saved, err
}

func (s *Store) ListEntries(ctx context.Context, q ledger.EntryQuery) ([]ledger.Entry, error) {
	if q.None {
		return nil, nil
	}

	where := []string{"year = ?", "month = ?"}
	args := []any{q.Year, q.Month}
	if q.State != "" {
		where = append(where, "state = ?")
		args = append(args, q.State)
	}
	if q.Church != "" {
		where = append(where, "church = ?")
		args = append(args, q.Church)
	}
	if q.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, q.OwnerID)
	}

	// time_slot values sort lexically in slot order
	rows, err := s.query(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY day, time_slot, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var result []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (ledger.Entry, error) {
	var (
		e                    ledger.Entry
		slot, value          string
		createdAt, updatedAt string
	)
	if err := sc.Scan(
		&e.Key.Year, &e.Key.Month, &e.Key.Day, &slot, &e.Key.Church,
		&value, &e.Note, &e.OwnerID, &e.ChurchName, &e.State,
		&createdAt, &updatedAt,
	); err != nil {
		return ledger.Entry{}, err
	}
	e.Key.TimeSlot = ledger.TimeSlot(slot)

	var err error
	if e.Value, err = decimal.NewFromString(value); err != nil {
		return ledger.Entry{}, fmt.Errorf("parse value %q: %w", value, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Entry{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Entry{}, err
	}
	return e, nil
}

// =============================================================================
// MONTHS
// =============================================================================

func (s *Store) GetMonthStatus(ctx context.Context, year, month int) (ledger.MonthStatus, bool, error) {
	var (
		st                   = ledger.MonthStatus{Year: year, Month: month}
		closedBy, reopenedBy sql.NullString
		closedAt, reopenedAt sql.NullString
	)
	err := s.queryRow(ctx, `
		SELECT closed, closed_by, closed_at, reopened_by, reopened_at
		FROM month_status
		WHERE year = ? AND month = ?`, year, month,
	).Scan(&st.Closed, &closedBy, &closedAt, &reopenedBy, &reopenedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.OpenMonth(year, month), false, nil
	}
	if err != nil {
		return ledger.MonthStatus{}, false, fmt.Errorf("get month status: %w", err)
	}

	st.ClosedBy = closedBy.String
	st.ReopenedBy = reopenedBy.String
	if st.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return ledger.MonthStatus{}, false, err
	}
	if st.ReopenedAt, err = parseNullTime(reopenedAt); err != nil {
		return ledger.MonthStatus{}, false, err
	}
	return st, true, nil
}

func (s *Store) SaveMonthStatus(ctx context.Context, st ledger.MonthStatus) error {
	_, err := s.exec(ctx, `
		INSERT INTO month_status (year, month, month_id, closed, closed_by, closed_at, reopened_by, reopened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (year, month) DO UPDATE SET
			closed = excluded.closed,
			closed_by = excluded.closed_by,
			closed_at = excluded.closed_at,
			reopened_by = excluded.reopened_by,
			reopened_at = excluded.reopened_at`,
		st.Year, st.Month, ledger.MonthID(st.Year, st.Month), st.Closed,
		nullString(st.ClosedBy), nullTime(st.ClosedAt),
		nullString(st.ReopenedBy), nullTime(st.ReopenedAt),
	)
	if err != nil {
		return fmt.Errorf("save month status: %w", err)
	}
	return nil
}

func (s *Store) GetObservation(ctx context.Context, year, month int) (ledger.MonthObservation, bool, error) {
	obs := ledger.MonthObservation{Year: year, Month: month}
	var updatedAt string
	err := s.queryRow(ctx, `
		SELECT body, updated_by, updated_at
		FROM month_observations
		WHERE year = ? AND month = ?`, year, month,
	).Scan(&obs.Text, &obs.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.MonthObservation{}, false, nil
	}
	if err != nil {
		return ledger.MonthObservation{}, false, fmt.Errorf("get observation: %w", err)
	}
	if obs.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.MonthObservation{}, false, err
	}
	return obs, true, nil
}

func (s *Store) SaveObservation(ctx context.Context, obs ledger.MonthObservation) error {
	_, err := s.exec(ctx, `
		INSERT INTO month_observations (year, month, body, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (year, month) DO UPDATE SET
			body = excluded.body,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		obs.Year, obs.Month, obs.Text, obs.UpdatedBy, formatTime(obs.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save observation: %w", err)
	}
	return nil
}

// =============================================================================
// UNLOCK REQUESTS
// =============================================================================

const unlockColumns = `id, requester_id, year, month, day, time_slot, church, entry_exists, reason, status,
	created_at, decided_by, decided_at, duration_minutes, granted_at`

func (s *Store) CreateUnlock(ctx context.Context, r ledger.UnlockRequest) error {
	_, err := s.exec(ctx, `
		INSERT INTO unlock_requests (`+unlockColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequesterID,
		r.Target.Year, r.Target.Month, r.Target.Day, string(r.Target.TimeSlot), r.Target.Church,
		r.EntryExists, r.Reason, string(r.Status), formatTime(r.CreatedAt),
		nullString(r.DecidedBy), nullTime(r.DecidedAt), r.DurationMinutes, nullTime(r.GrantedAt),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
			return ledger.ErrAlreadyPending
		}
		return fmt.Errorf("create unlock request: %w", err)
	}
	return nil
}

func (s *Store) GetUnlock(ctx context.Context, id string) (ledger.UnlockRequest, error) {
	r, err := scanUnlock(s.queryRow(ctx, `SELECT `+unlockColumns+` FROM unlock_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.UnlockRequest{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.UnlockRequest{}, fmt.Errorf("get unlock request: %w", err)
	}
	return r, nil
}

func (s *Store) ListPendingUnlocks(ctx context.Context) ([]ledger.UnlockRequest, error) {
	return s.queryUnlocks(ctx, `
		SELECT `+unlockColumns+`
		FROM unlock_requests
		WHERE status = ?
		ORDER BY created_at, seq`, string(ledger.UnlockPending))
}

func (s *Store) ListApprovedUnlocks(ctx context.Context, key ledger.EntryKey, requesterIDs []string) ([]ledger.UnlockRequest, error) {
	if len(requesterIDs) == 0 {
		return nil, nil
	}
	args := []any{string(ledger.UnlockApproved), key.Year, key.Month, key.Day, string(key.TimeSlot), key.Church}
	marks := make([]string, len(requesterIDs))
	for i, id := range requesterIDs {
		marks[i] = "?"
		args = append(args, id)
	}
	return s.queryUnlocks(ctx, `
		SELECT `+unlockColumns+`
		FROM unlock_requests
		WHERE status = ?
		  AND year = ? AND month = ? AND day = ? AND time_slot = ? AND church = ?
		  AND requester_id IN (`+strings.Join(marks, ", ")+`)
		ORDER BY seq`, args...)
}

func (s *Store) DecideUnlock(ctx context.Context, id string, d ledger.UnlockDecision) (ledger.UnlockRequest, error) {
	var grantedAt sql.NullString
	duration := 0
	if d.Status == ledger.UnlockApproved {
		grantedAt = nullTime(&d.DecidedAt)
		duration = d.DurationMinutes
	}

	res, err := s.exec(ctx, `
		UPDATE unlock_requests
		SET status = ?, decided_by = ?, decided_at = ?, duration_minutes = ?, granted_at = ?
		WHERE id = ? AND status = ?`,
		string(d.Status), d.DecidedBy, formatTime(d.DecidedAt), duration, grantedAt,
		id, string(ledger.UnlockPending),
	)
	if err != nil {
		return ledger.UnlockRequest{}, fmt.Errorf("decide unlock request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.UnlockRequest{}, fmt.Errorf("decide unlock request: %w", err)
	}
	if n == 0 {
		// Either unknown or already decided
		if _, err := s.GetUnlock(ctx, id); err != nil {
			return ledger.UnlockRequest{}, err
		}
		return ledger.UnlockRequest{}, ledger.ErrAlreadyDecided
	}
	return s.GetUnlock(ctx, id)
}

func (s *Store) queryUnlocks(ctx context.Context, query string, args ...any) ([]ledger.UnlockRequest, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unlock requests: %w", err)
	}
	defer rows.Close()

	var result []ledger.UnlockRequest
	for rows.Next() {
		r, err := scanUnlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unlock request: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanUnlock(sc scanner) (ledger.UnlockRequest, error) {
	var (
		r                     ledger.UnlockRequest
		slot, status, created string
		decidedBy             sql.NullString
		decidedAt, grantedAt  sql.NullString
	)
	if err := sc.Scan(
		&r.ID, &r.RequesterID,
		&r.Target.Year, &r.Target.Month, &r.Target.Day, &slot, &r.Target.Church,
		&r.EntryExists, &r.Reason, &status, &created,
		&decidedBy, &decidedAt, &r.DurationMinutes, &grantedAt,
	); err != nil {
		return ledger.UnlockRequest{}, err
	}
	r.Target.TimeSlot = ledger.TimeSlot(slot)
	r.Status = ledger.UnlockStatus(status)
	r.DecidedBy = decidedBy.String

	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return ledger.UnlockRequest{}, err
	}
	if r.DecidedAt, err = parseNullTime(decidedAt); err != nil {
		return ledger.UnlockRequest{}, err
	}
	if r.GrantedAt, err = parseNullTime(grantedAt); err != nil {
		return ledger.UnlockRequest{}, err
	}
	return r, nil
}

// =============================================================================
// UNITS
// =============================================================================

func (s *Store) GetUnit(ctx context.Context, id string) (ledger.Unit, bool, error) {
	var u ledger.Unit
	err := s.queryRow(ctx, `SELECT id, name, state FROM units WHERE id = ?`, id).Scan(&u.ID, &u.Name, &u.State)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Unit{}, false, nil
	}
	if err != nil {
		return ledger.Unit{}, false, fmt.Errorf("get unit: %w", err)
	}
	return u, true, nil
}

func (s *Store) SaveUnit(ctx context.Context, u ledger.Unit) error {
	_, err := s.exec(ctx, `
		INSERT INTO units (id, name, state) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, state = excluded.state`,
		u.ID, u.Name, u.State,
	)
	if err != nil {
		return fmt.Errorf("save unit: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.AuditEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO audit_events (id, action, actor_id, occurred_at, details_json)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), e.ActorID, formatTime(e.Timestamp), string(details),
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEvent, error) {
	where := []string{"1 = 1"}
	var args []any
	if filter.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if filter.From != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "occurred_at <= ?")
		args = append(args, formatTime(*filter.To))
	}

	rows, err := s.query(ctx, `
		SELECT id, action, actor_id, occurred_at, details_json
		FROM audit_events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var result []ledger.AuditEvent
	for rows.Next() {
		var (
			e               ledger.AuditEvent
			action, ts, raw string
		)
		if err := rows.Scan(&e.ID, &action, &e.ActorID, &ts, &raw); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Action = ledger.AuditAction(action)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time interface checks.
var (
	_ ledger.Store    = (*Store)(nil)
	_ ledger.AuditLog = (*Store)(nil)
)
