/*
workflow.go - Unlock request lifecycle

PURPOSE:
  Lets an operator ask for temporary write access to an entry (or an empty
  slot) in a closed month, and lets an administrator grant or refuse it.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────┐
  │                                                              │
  │  Operator files   ──▶  PENDING  ──approve──▶  APPROVED       │
  │  Request()                │                  (grant window)  │
  │                           └──reject───▶  REJECTED            │
  │                                                              │
  └──────────────────────────────────────────────────────────────┘

  APPROVED and REJECTED are terminal. Decisions go through a conditional
  store update on status = pending, so of two racing approvals exactly one
  wins and the other gets ErrAlreadyDecided.

FILING RULE:
  Any non-administrator may file for a key inside their own scope, whatever
  the month state. The only refusal is a second pending request by the same
  requester for the same key (ErrAlreadyPending). Month state matters only
  at approval, where a closed month adds a warning to an otherwise normal
  approval.

GRANTS:
  An approved request grants write access to its key from GrantedAt for
  DurationMinutes. Expiry is computed on every check; nothing sweeps it.

EXAMPLE:
  wf := unlock.New(store, entries, units, months, audit, clock)
  req, err := wf.Request(ctx, operator, key, "typo in the offering value")
  res, err := wf.Approve(ctx, admin, req.ID, 120)
  if res.MonthClosed {
      fmt.Println(res.Warning)
  }

SEE ALSO:
  - gate/gate.go: consumes ActiveGrant
*/
package unlock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/ledgerlock/access"
	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/metrics"
)

// DefaultDurationMinutes applies when an approval passes no duration.
const DefaultDurationMinutes = 60

// MaxDurationMinutes bounds every grant, one year. Workflow.MaxDuration can
// only lower it.
const MaxDurationMinutes = 366 * 24 * 60

// MonthState reports whether a month is closed.
type MonthState interface {
	IsClosed(ctx context.Context, year, month int) (bool, error)
}

// =============================================================================
// WORKFLOW
// =============================================================================

type Workflow struct {
	Store   ledger.UnlockStore
	Entries ledger.EntryStore
	Units   ledger.UnitDirectory
	Months  MonthState
	Audit   ledger.AuditLog
	Clock   ledger.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// DefaultDuration overrides DefaultDurationMinutes when positive.
	DefaultDuration int
	// MaxDuration lowers MaxDurationMinutes when positive.
	MaxDuration int
}

func New(
	store ledger.UnlockStore,
	entries ledger.EntryStore,
	units ledger.UnitDirectory,
	months MonthState,
	audit ledger.AuditLog,
	clock ledger.Clock,
) *Workflow {
	return &Workflow{
		Store:   store,
		Entries: entries,
		Units:   units,
		Months:  months,
		Audit:   audit,
		Clock:   clock,
	}
}

// Approval is the outcome of a successful approve.
type Approval struct {
	Request     ledger.UnlockRequest
	MonthClosed bool
	// Warning is set when the target month is closed.
	Warning string
}

// =============================================================================
// REQUEST
// =============================================================================

// Request files a pending unlock request for target.
func (w *Workflow) Request(ctx context.Context, requester ledger.Identity, target ledger.EntryKey, reason string) (ledger.UnlockRequest, error) {
	if requester.IsAdmin() {
		return ledger.UnlockRequest{}, ledger.ErrForbidden
	}
	if err := target.Validate(); err != nil {
		return ledger.UnlockRequest{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ledger.UnlockRequest{}, &ledger.ValidationError{Field: "reason", Message: "reason is required"}
	}

	own, exists, err := access.TargetOwnership(ctx, w.Entries, w.Units, requester, target)
	if err != nil {
		return ledger.UnlockRequest{}, err
	}
	if !access.Admits(access.Resolve(requester), own) {
		return ledger.UnlockRequest{}, &ledger.DeniedError{Reason: ledger.DenyOutOfScope, Key: target}
	}

	now := w.Clock.Now()
	req := ledger.UnlockRequest{
		ID:          uuid.NewString(),
		RequesterID: requester.UserID,
		Target:      target,
		EntryExists: exists,
		Reason:      reason,
		Status:      ledger.UnlockPending,
		CreatedAt:   now,
	}
	if err := w.Store.CreateUnlock(ctx, req); err != nil {
		if ledger.IsConflict(err) {
			return ledger.UnlockRequest{}, err
		}
		return ledger.UnlockRequest{}, fmt.Errorf("create unlock request: %w", err)
	}

	event := ledger.NewAuditEvent(ledger.AuditRequestUnlock, requester.UserID, now, map[string]any{
		"requestId":   req.ID,
		"target":      target.String(),
		"entryExists": exists,
	})
	if err := w.Audit.Append(ctx, event); err != nil {
		return ledger.UnlockRequest{}, fmt.Errorf("record %s: %w", ledger.AuditRequestUnlock, err)
	}

	w.Metrics.IncrementUnlockTransition("requested")
	w.logger().InfoContext(ctx, "unlock requested",
		"request_id", req.ID,
		"requester_id", req.RequesterID,
		"target", target.String(),
	)
	return req, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

// Approve grants the request for durationMinutes (the default when zero).
// Succeeds whatever the month state; a closed month sets MonthClosed and a
// warning on the result.
func (w *Workflow) Approve(ctx context.Context, admin ledger.Identity, id string, durationMinutes int) (Approval, error) {
	if !admin.IsAdmin() {
		return Approval{}, ledger.ErrForbidden
	}
	if durationMinutes < 0 {
		return Approval{}, &ledger.ValidationError{Field: "durationMinutes", Message: "duration must be positive"}
	}
	if durationMinutes == 0 {
		durationMinutes = w.defaultDuration()
	}
	if limit := w.maxDuration(); durationMinutes > limit {
		return Approval{}, &ledger.ValidationError{
			Field:   "durationMinutes",
			Message: fmt.Sprintf("duration of %d minutes exceeds the limit of %d", durationMinutes, limit),
		}
	}

	pending, err := w.Store.GetUnlock(ctx, id)
	if err != nil {
		return Approval{}, w.storeError("load unlock request", err)
	}
	if pending.Status != ledger.UnlockPending {
		return Approval{}, ledger.ErrAlreadyDecided
	}
	monthClosed, err := w.Months.IsClosed(ctx, pending.Target.Year, pending.Target.Month)
	if err != nil {
		return Approval{}, err
	}

	now := w.Clock.Now()
	decided, err := w.Store.DecideUnlock(ctx, id, ledger.UnlockDecision{
		Status:          ledger.UnlockApproved,
		DecidedBy:       admin.UserID,
		DecidedAt:       now,
		DurationMinutes: durationMinutes,
	})
	if err != nil {
		return Approval{}, w.storeError("approve unlock request", err)
	}

	event := ledger.NewAuditEvent(ledger.AuditApproveUnlock, admin.UserID, now, map[string]any{
		"requestId":       id,
		"requesterId":     decided.RequesterID,
		"durationMinutes": durationMinutes,
		"monthClosed":     monthClosed,
	})
	if err := w.Audit.Append(ctx, event); err != nil {
		return Approval{}, fmt.Errorf("record %s: %w", ledger.AuditApproveUnlock, err)
	}

	result := Approval{Request: decided, MonthClosed: monthClosed}
	transition := "approved"
	if monthClosed {
		transition = "approved_closed"
		result.Warning = fmt.Sprintf(
			"month %02d/%04d is closed; the requester may edit this entry for %d minutes",
			decided.Target.Month, decided.Target.Year, durationMinutes,
		)
	}
	w.Metrics.IncrementUnlockTransition(transition)
	w.logger().InfoContext(ctx, "unlock approved",
		"request_id", id,
		"admin_id", admin.UserID,
		"duration_minutes", durationMinutes,
		"month_closed", monthClosed,
	)
	return result, nil
}

// Reject refuses the request. Terminal; no grant is created.
func (w *Workflow) Reject(ctx context.Context, admin ledger.Identity, id string) (ledger.UnlockRequest, error) {
	if !admin.IsAdmin() {
		return ledger.UnlockRequest{}, ledger.ErrForbidden
	}

	now := w.Clock.Now()
	decided, err := w.Store.DecideUnlock(ctx, id, ledger.UnlockDecision{
		Status:    ledger.UnlockRejected,
		DecidedBy: admin.UserID,
		DecidedAt: now,
	})
	if err != nil {
		return ledger.UnlockRequest{}, w.storeError("reject unlock request", err)
	}

	event := ledger.NewAuditEvent(ledger.AuditRejectUnlock, admin.UserID, now, map[string]any{
		"requestId":   id,
		"requesterId": decided.RequesterID,
	})
	if err := w.Audit.Append(ctx, event); err != nil {
		return ledger.UnlockRequest{}, fmt.Errorf("record %s: %w", ledger.AuditRejectUnlock, err)
	}

	w.Metrics.IncrementUnlockTransition("rejected")
	w.logger().InfoContext(ctx, "unlock rejected", "request_id", id, "admin_id", admin.UserID)
	return decided, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// ListPending returns all pending requests, oldest first. Administrators only.
func (w *Workflow) ListPending(ctx context.Context, viewer ledger.Identity) ([]ledger.UnlockRequest, error) {
	if !viewer.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	pending, err := w.Store.ListPendingUnlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending unlock requests: %w", err)
	}
	return pending, nil
}

// ActiveGrant finds an approved, unexpired grant on key filed by any of
// userIDs. When several are active the one expiring last is returned.
func (w *Workflow) ActiveGrant(ctx context.Context, userIDs []string, key ledger.EntryKey, now time.Time) (ledger.UnlockRequest, bool, error) {
	approved, err := w.Store.ListApprovedUnlocks(ctx, key, userIDs)
	if err != nil {
		return ledger.UnlockRequest{}, false, fmt.Errorf("list approved unlock requests: %w", err)
	}

	var (
		best  ledger.UnlockRequest
		found bool
	)
	for _, r := range approved {
		if !r.GrantActiveAt(now) {
			continue
		}
		if !found || r.GrantExpiresAt().After(best.GrantExpiresAt()) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (w *Workflow) defaultDuration() int {
	if w.DefaultDuration > 0 {
		return w.DefaultDuration
	}
	return DefaultDurationMinutes
}

func (w *Workflow) maxDuration() int {
	if w.MaxDuration > 0 && w.MaxDuration < MaxDurationMinutes {
		return w.MaxDuration
	}
	return MaxDurationMinutes
}

// storeError passes workflow errors through and wraps the rest.
func (w *Workflow) storeError(op string, err error) error {
	if ledger.IsNotFound(err) || ledger.IsConflict(err) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (w *Workflow) logger() *slog.Logger {
	return ledger.OrDiscard(w.Logger)
}
