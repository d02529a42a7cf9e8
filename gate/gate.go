/*
Package gate guards every entry mutation.

DECISION ORDER (re-evaluated on every call, never cached):

  1. Scope      the caller's filter must admit the target's ownership,
                else Deny(out_of_scope)
  2. Admin      administrators are allowed, closed month or not
  3. Open month allowed, unless an edit window is configured and the
                existing entry is older than it
  4. Grant      an approved, unexpired unlock grant on the key, filed by
                the caller or by the entry's owner, allows the write;
                otherwise Deny(month_closed) or Deny(edit_window_expired)

  Ownership of an existing entry comes from the stored record. An empty slot
  is judged by the ownership the caller would give it.

SEE ALSO:
  - access/filter.go: the visibility filter
  - unlock/workflow.go: grants
  - entries.go: the save path built on AuthorizeWrite
*/
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/ledgerlock/access"
	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/metrics"
)

// Allow reasons.
const (
	ReasonAdmin = "admin"
	ReasonOpen  = "open"
	ReasonGrant = "grant"
)

// MonthState reports whether a month is closed.
type MonthState interface {
	IsClosed(ctx context.Context, year, month int) (bool, error)
}

// Grants finds active unlock grants.
type Grants interface {
	ActiveGrant(ctx context.Context, userIDs []string, key ledger.EntryKey, now time.Time) (ledger.UnlockRequest, bool, error)
}

// Decision is the outcome of AuthorizeWrite.
type Decision struct {
	Allowed bool
	// Reason is one of the allow reasons, or a ledger.DenyReason.
	Reason string
	// GrantID names the unlock request that allowed the write, if any.
	GrantID string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }

func deny(reason ledger.DenyReason) Decision { return Decision{Reason: string(reason)} }

// Err returns nil for an allow and a *ledger.DeniedError for a deny.
func (d Decision) Err(key ledger.EntryKey) error {
	if d.Allowed {
		return nil
	}
	return &ledger.DeniedError{Reason: ledger.DenyReason(d.Reason), Key: key}
}

// =============================================================================
// GATE
// =============================================================================

type Gate struct {
	Entries ledger.EntryStore
	Units   ledger.UnitDirectory
	Months  MonthState
	Grants  Grants
	Clock   ledger.Clock

	// EditWindow, when positive, limits how long after creation an entry in
	// an open month stays editable by non-administrators.
	EditWindow time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(entries ledger.EntryStore, units ledger.UnitDirectory, months MonthState, grants Grants, clock ledger.Clock) *Gate {
	return &Gate{Entries: entries, Units: units, Months: months, Grants: grants, Clock: clock}
}

// AuthorizeWrite decides whether id may write key. Errors are storage
// failures or a malformed key; a refusal is a Decision, not an error.
func (g *Gate) AuthorizeWrite(ctx context.Context, id ledger.Identity, key ledger.EntryKey) (Decision, error) {
	if err := key.Validate(); err != nil {
		return Decision{}, err
	}

	entry, exists, err := g.Entries.GetEntry(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	own := entry.Ownership()
	if !exists {
		if own, err = access.ProspectiveOwnership(ctx, g.Units, id, key); err != nil {
			return Decision{}, err
		}
	}

	d, err := g.decide(ctx, id, key, own, entry, exists)
	if err != nil {
		return Decision{}, err
	}

	outcome := "allow"
	if !d.Allowed {
		outcome = "deny"
	}
	g.Metrics.IncrementGateDecision(outcome, d.Reason)
	ledger.OrDiscard(g.Logger).DebugContext(ctx, "write authorization",
		"user_id", id.UserID,
		"key", key.String(),
		"outcome", outcome,
		"reason", d.Reason,
	)
	return d, nil
}

func (g *Gate) decide(ctx context.Context, id ledger.Identity, key ledger.EntryKey, own ledger.Ownership, entry ledger.Entry, exists bool) (Decision, error) {
	if !access.Admits(access.Resolve(id), own) {
		return deny(ledger.DenyOutOfScope), nil
	}
	if id.IsAdmin() {
		return allow(ReasonAdmin), nil
	}

	now := g.Clock.Now()
	closed, err := g.Months.IsClosed(ctx, key.Year, key.Month)
	if err != nil {
		return Decision{}, err
	}

	blocked := ledger.DenyMonthClosed
	if !closed {
		if g.EditWindow <= 0 || !exists || now.Sub(entry.CreatedAt) <= g.EditWindow {
			return allow(ReasonOpen), nil
		}
		blocked = ledger.DenyEditWindowExpired
	}

	userIDs := []string{id.UserID}
	if exists && own.OwnerID != "" && own.OwnerID != id.UserID {
		userIDs = append(userIDs, own.OwnerID)
	}
	grant, found, err := g.Grants.ActiveGrant(ctx, userIDs, key, now)
	if err != nil {
		return Decision{}, err
	}
	if found {
		d := allow(ReasonGrant)
		d.GrantID = grant.ID
		return d, nil
	}
	return deny(blocked), nil
}
