// Package audit exposes the audit log to administrators.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/warp/ledgerlock/ledger"
)

const (
	// DefaultLimit is the page size when a query names none.
	DefaultLimit = 50
	// MaxLimit caps a single page.
	MaxLimit = 500
)

// Query selects events. Zero fields match everything.
type Query struct {
	ledger.AuditFilter
	Limit int
}

type Trail struct {
	Log    ledger.AuditLog
	Logger *slog.Logger
}

func New(log ledger.AuditLog) *Trail {
	return &Trail{Log: log}
}

// List returns matching events, newest first, at most q.Limit of them.
// Administrators only.
func (t *Trail) List(ctx context.Context, id ledger.Identity, q Query) ([]ledger.AuditEvent, error) {
	if !id.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, &ledger.ValidationError{Field: "to", Message: "must not be before from"}
	}
	limit := q.Limit
	switch {
	case limit < 0:
		return nil, &ledger.ValidationError{Field: "limit", Message: "must not be negative"}
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	events, err := t.Log.Query(ctx, q.AuditFilter)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	slices.Reverse(events)
	if len(events) > limit {
		events = events[:limit]
	}

	ledger.OrDiscard(t.Logger).DebugContext(ctx, "audit listed",
		"user_id", id.UserID,
		"returned", len(events),
	)
	return events, nil
}
