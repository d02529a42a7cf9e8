/*
Package monthlock tracks the open/closed state of calendar months.

STATE MACHINE (per year, month):

	OPEN --close--> CLOSED --reopen--> OPEN

  OPEN is the default: a month with no stored record is open. Both transitions
  are idempotent. Closing an already closed month re-stamps closedBy/closedAt;
  reopening an open month stamps reopenedBy/reopenedAt. Every call emits an
  audit event, including the no-op ones.

  Storage is last-writer-wins. Two administrators closing the same month at
  the same time end in the same state regardless of order.

OBSERVATIONS:
  Each month also carries one free-text observation (up to 10000 characters),
  editable by any authenticated user regardless of lock state. The last
  writer wins and every save is audited.

EXAMPLE:
  svc := monthlock.New(store, audit, clock)
  status, err := svc.Close(ctx, admin, 2025, 6)
  closed, err := svc.IsClosed(ctx, 2025, 6) // true
*/
package monthlock

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/metrics"
)

// Service owns month status transitions.
type Service struct {
	Store   ledger.MonthStore
	Audit   ledger.AuditLog
	Clock   ledger.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(store ledger.MonthStore, audit ledger.AuditLog, clock ledger.Clock) *Service {
	return &Service{Store: store, Audit: audit, Clock: clock}
}

// =============================================================================
// QUERIES
// =============================================================================

// Status returns the month record. found is false for a month never closed;
// the returned status is then the implicit open one.
func (s *Service) Status(ctx context.Context, year, month int) (ledger.MonthStatus, bool, error) {
	if err := ledger.ValidateMonth(year, month); err != nil {
		return ledger.MonthStatus{}, false, err
	}
	status, found, err := s.Store.GetMonthStatus(ctx, year, month)
	if err != nil {
		return ledger.MonthStatus{}, false, fmt.Errorf("load month status: %w", err)
	}
	if !found {
		return ledger.OpenMonth(year, month), false, nil
	}
	return status, true, nil
}

func (s *Service) IsClosed(ctx context.Context, year, month int) (bool, error) {
	status, _, err := s.Status(ctx, year, month)
	if err != nil {
		return false, err
	}
	return status.Closed, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Close marks the month closed. Administrators only.
func (s *Service) Close(ctx context.Context, actor ledger.Identity, year, month int) (ledger.MonthStatus, error) {
	return s.transition(ctx, actor, year, month, true)
}

// Reopen marks the month open. Administrators only.
func (s *Service) Reopen(ctx context.Context, actor ledger.Identity, year, month int) (ledger.MonthStatus, error) {
	return s.transition(ctx, actor, year, month, false)
}

func (s *Service) transition(ctx context.Context, actor ledger.Identity, year, month int, closed bool) (ledger.MonthStatus, error) {
	if !actor.IsAdmin() {
		return ledger.MonthStatus{}, ledger.ErrForbidden
	}
	status, _, err := s.Status(ctx, year, month)
	if err != nil {
		return ledger.MonthStatus{}, err
	}

	now := s.Clock.Now()
	action, transition := ledger.AuditReopenMonth, "reopen"
	if closed {
		status.Closed = true
		status.ClosedBy = actor.UserID
		status.ClosedAt = &now
		action, transition = ledger.AuditCloseMonth, "close"
	} else {
		status.Closed = false
		status.ReopenedBy = actor.UserID
		status.ReopenedAt = &now
	}

	if err := s.Store.SaveMonthStatus(ctx, status); err != nil {
		return ledger.MonthStatus{}, fmt.Errorf("save month status: %w", err)
	}

	event := ledger.NewAuditEvent(action, actor.UserID, now, map[string]any{
		"month": month,
		"year":  year,
	})
	if err := s.Audit.Append(ctx, event); err != nil {
		return ledger.MonthStatus{}, fmt.Errorf("record %s: %w", action, err)
	}

	s.Metrics.IncrementMonthTransition(transition)
	ledger.OrDiscard(s.Logger).InfoContext(ctx, "month "+transition,
		"month_id", ledger.MonthID(year, month),
		"actor_id", actor.UserID,
	)
	return status, nil
}

// =============================================================================
// OBSERVATIONS
// =============================================================================

// SaveObservation replaces the month's observation text. Any identified
// caller may save it.
func (s *Service) SaveObservation(ctx context.Context, actor ledger.Identity, year, month int, text string) (ledger.MonthObservation, error) {
	if actor.UserID == "" {
		return ledger.MonthObservation{}, ledger.ErrForbidden
	}
	if err := ledger.ValidateMonth(year, month); err != nil {
		return ledger.MonthObservation{}, err
	}
	if n := utf8.RuneCountInString(text); n > ledger.MaxObservationLength {
		return ledger.MonthObservation{}, &ledger.ValidationError{
			Field:   "observation",
			Message: fmt.Sprintf("%d characters exceeds the limit of %d", n, ledger.MaxObservationLength),
		}
	}

	now := s.Clock.Now()
	obs := ledger.MonthObservation{
		Year:      year,
		Month:     month,
		Text:      text,
		UpdatedBy: actor.UserID,
		UpdatedAt: now,
	}
	if err := s.Store.SaveObservation(ctx, obs); err != nil {
		return ledger.MonthObservation{}, fmt.Errorf("save observation: %w", err)
	}

	event := ledger.NewAuditEvent(ledger.AuditSaveObservation, actor.UserID, now, map[string]any{
		"month":  month,
		"year":   year,
		"length": utf8.RuneCountInString(text),
	})
	if err := s.Audit.Append(ctx, event); err != nil {
		return ledger.MonthObservation{}, fmt.Errorf("record %s: %w", ledger.AuditSaveObservation, err)
	}
	return obs, nil
}

// Observation returns the month's observation; an empty one when none exists.
func (s *Service) Observation(ctx context.Context, year, month int) (ledger.MonthObservation, error) {
	if err := ledger.ValidateMonth(year, month); err != nil {
		return ledger.MonthObservation{}, err
	}
	obs, found, err := s.Store.GetObservation(ctx, year, month)
	if err != nil {
		return ledger.MonthObservation{}, fmt.Errorf("load observation: %w", err)
	}
	if !found {
		return ledger.MonthObservation{Year: year, Month: month}, nil
	}
	return obs, nil
}
