/*
errors.go - Centralized error types for the locking engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure the core can report is recoverable at the caller boundary;
  nothing here is retried automatically.

ERROR CATEGORIES:
  1. Denials - OutOfScope, MonthClosed, EditWindowExpired, Forbidden
  2. Workflow - NotFound, AlreadyDecided, AlreadyPending
  3. Validation - malformed key, date, duration or text

USAGE:
  if errors.Is(err, ledger.ErrMonthClosed) {
      // ask an administrator for an unlock grant
  }

  var denied *ledger.DeniedError
  if errors.As(err, &denied) {
      log.Info("write denied", "reason", denied.Reason)
  }

SEE ALSO:
  - gate/gate.go: produces DeniedError
  - unlock/workflow.go: produces the workflow errors
  - api/errors.go: maps errors to HTTP statuses
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOutOfScope is returned when the caller's visibility filter excludes
	// the target.
	ErrOutOfScope = errors.New("out of scope")

	// ErrMonthClosed is returned when the target month is closed and the
	// caller holds no active unlock grant.
	ErrMonthClosed = errors.New("month closed")

	// ErrEditWindowExpired is returned when an existing entry is older than
	// the configured edit window and no grant is active.
	ErrEditWindowExpired = errors.New("edit window expired")

	// ErrForbidden is returned when the caller's role lacks the privilege for
	// an administrative action.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned for unknown requests or entries.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyDecided is returned when approving or rejecting a request
	// that is no longer pending.
	ErrAlreadyDecided = errors.New("already decided")

	// ErrAlreadyPending is returned when a requester files a second pending
	// unlock request for the same key.
	ErrAlreadyPending = errors.New("unlock request already pending")

	// ErrValidation is returned for malformed keys, dates and payloads.
	ErrValidation = errors.New("validation error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DenyReason names why a write was refused.
type DenyReason string

const (
	DenyOutOfScope        DenyReason = "out_of_scope"
	DenyMonthClosed       DenyReason = "month_closed"
	DenyEditWindowExpired DenyReason = "edit_window_expired"
)

// DeniedError is returned by write paths that consult the gate.
type DeniedError struct {
	Reason DenyReason
	Key    EntryKey
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("write denied (%s) for %s", e.Reason, e.Key)
}

func (e *DeniedError) Unwrap() error {
	switch e.Reason {
	case DenyOutOfScope:
		return ErrOutOfScope
	case DenyMonthClosed:
		return ErrMonthClosed
	case DenyEditWindowExpired:
		return ErrEditWindowExpired
	}
	return nil
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsDenied returns true if the error is a write denial.
func IsDenied(err error) bool {
	return errors.Is(err, ErrOutOfScope) ||
		errors.Is(err, ErrMonthClosed) ||
		errors.Is(err, ErrEditWindowExpired)
}

// IsClientError returns true if the error is due to the caller's input or
// privileges rather than a storage failure.
func IsClientError(err error) bool {
	return IsDenied(err) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrValidation) ||
		IsNotFound(err) ||
		IsConflict(err)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for terminal-state and duplicate-request errors.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyDecided) || errors.Is(err, ErrAlreadyPending)
}
