/*
Package ledger provides the core types of the entry-locking engine.

PURPOSE:
  This package holds the domain types shared by every other package: who is
  acting (Identity), what they act on (EntryKey, Entry), the month lock record
  (MonthStatus), the unlock workflow record (UnlockRequest) and the audit event.
  It contains no policy. Scope resolution lives in access/, the write gate in
  gate/, the workflow in unlock/ and reporting in report/.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identity: the authenticated caller, supplied by the auth collaborator
  - EntryKey: (year, month, day, time slot, church) - unique per church
  - Entry: one dated financial record with a decimal value
  - MonthStatus: closed/open record per (year, month); absent means open
  - UnlockRequest: PENDING -> APPROVED | REJECTED, with a time-boxed grant

DESIGN PRINCIPLES:
  1. Precision: values are decimal.Decimal, never float64
  2. Explicit defaults: MonthStatus lookups return (status, found)
  3. One-way states: a decided UnlockRequest never changes again

SEE ALSO:
  - errors.go: sentinel and structured errors
  - store.go: persistence interfaces
  - time.go: time slots, month helpers and the Clock
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTITY - The authenticated caller
// =============================================================================

type Role string

// RoleMaster is the administrative role. Every other role is an operator.
const RoleMaster Role = "master"

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeState  Scope = "state"
	ScopeChurch Scope = "church"
)

// Identity is trusted input once authenticated upstream.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Scope  Scope  `json:"scope,omitempty"`
	State  string `json:"state,omitempty"`
	Church string `json:"church,omitempty"`
}

func (id Identity) IsAdmin() bool { return id.Role == RoleMaster }

// =============================================================================
// ENTRY - A dated financial record
// =============================================================================

// EntryKey identifies an entry. Two churches may each hold an entry at the
// same (year, month, day, time slot).
type EntryKey struct {
	Year     int      `json:"year"`
	Month    int      `json:"month"`
	Day      int      `json:"day"`
	TimeSlot TimeSlot `json:"timeSlot"`
	Church   string   `json:"church"`
}

// Validate checks the calendar date, the time slot and the church.
func (k EntryKey) Validate() error {
	if err := ValidateMonth(k.Year, k.Month); err != nil {
		return err
	}
	if k.Day < 1 || k.Day > DaysIn(k.Year, k.Month) {
		return &ValidationError{Field: "day", Message: fmt.Sprintf("day %d does not exist in %04d-%02d", k.Day, k.Year, k.Month)}
	}
	if !k.TimeSlot.Valid() {
		return &ValidationError{Field: "timeSlot", Message: fmt.Sprintf("unknown time slot %q", k.TimeSlot)}
	}
	if k.Church == "" {
		return &ValidationError{Field: "church", Message: "church is required"}
	}
	return nil
}

// Slot returns the key without its church, i.e. the aggregation grouping key.
func (k EntryKey) Slot() SlotKey { return SlotKey{Day: k.Day, TimeSlot: k.TimeSlot} }

func (k EntryKey) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %s @%s", k.Year, k.Month, k.Day, k.TimeSlot, k.Church)
}

// SlotKey is the (day, time slot) pair used to group entries within a month.
type SlotKey struct {
	Day      int
	TimeSlot TimeSlot
}

// Ownership describes who owns an entry, for scope checks.
type Ownership struct {
	OwnerID string
	Church  string
	State   string
}

type Entry struct {
	Key        EntryKey
	Value      decimal.Decimal
	Note       string
	OwnerID    string
	ChurchName string
	State      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (e Entry) Ownership() Ownership {
	return Ownership{OwnerID: e.OwnerID, Church: e.Key.Church, State: e.State}
}

// EntryQuery selects entries of one month. Empty fields do not constrain.
type EntryQuery struct {
	Year    int
	Month   int
	State   string
	Church  string
	OwnerID string

	// None is set when the caller's filters cannot match anything.
	None bool
}

// Matches reports whether an entry satisfies the query.
func (q EntryQuery) Matches(e Entry) bool {
	if q.None {
		return false
	}
	if e.Key.Year != q.Year || e.Key.Month != q.Month {
		return false
	}
	if q.State != "" && e.State != q.State {
		return false
	}
	if q.Church != "" && e.Key.Church != q.Church {
		return false
	}
	if q.OwnerID != "" && e.OwnerID != q.OwnerID {
		return false
	}
	return true
}

// Unit is an organizational unit (church) as known to the directory.
type Unit struct {
	ID    string
	Name  string
	State string
}

// =============================================================================
// MONTH STATUS - Per-month lock record
// =============================================================================

type MonthStatus struct {
	Year       int
	Month      int
	Closed     bool
	ClosedBy   string
	ClosedAt   *time.Time
	ReopenedBy string
	ReopenedAt *time.Time
}

// OpenMonth is the implicit status of a month that has no record.
func OpenMonth(year, month int) MonthStatus {
	return MonthStatus{Year: year, Month: month}
}

// MonthObservation is the free-text note attached to a month.
type MonthObservation struct {
	Year      int
	Month     int
	Text      string
	UpdatedBy string
	UpdatedAt time.Time
}

// MaxObservationLength bounds a month observation, in characters.
const MaxObservationLength = 10000

// =============================================================================
// UNLOCK REQUEST - Time-boxed write exception
// =============================================================================

type UnlockStatus string

const (
	UnlockPending  UnlockStatus = "pending"
	UnlockApproved UnlockStatus = "approved"
	UnlockRejected UnlockStatus = "rejected"
)

type UnlockRequest struct {
	ID          string
	RequesterID string
	Target      EntryKey
	// EntryExists is false when the target is an empty slot to be created.
	EntryExists bool
	Reason      string
	Status      UnlockStatus
	CreatedAt   time.Time

	DecidedBy string
	DecidedAt *time.Time

	DurationMinutes int
	GrantedAt       *time.Time
}

// GrantExpiresAt returns the end of the grant window, or the zero time when
// the request carries no grant.
func (r UnlockRequest) GrantExpiresAt() time.Time {
	if r.Status != UnlockApproved || r.GrantedAt == nil {
		return time.Time{}
	}
	return r.GrantedAt.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// GrantActiveAt reports whether the request grants write access at now.
// Expiry is derived on every call; nothing sweeps expired grants.
func (r UnlockRequest) GrantActiveAt(now time.Time) bool {
	if r.Status != UnlockApproved || r.GrantedAt == nil {
		return false
	}
	return now.Before(r.GrantExpiresAt())
}

// UnlockDecision is applied with DecideUnlock. The store only applies it to a
// request that is still pending.
type UnlockDecision struct {
	Status          UnlockStatus
	DecidedBy       string
	DecidedAt       time.Time
	DurationMinutes int
}
