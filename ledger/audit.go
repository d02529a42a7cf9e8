package ledger

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT LOG - Separate from entries, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditCloseMonth      AuditAction = "close_month"
	AuditReopenMonth     AuditAction = "reopen_month"
	AuditRequestUnlock   AuditAction = "request_unlock"
	AuditApproveUnlock   AuditAction = "approve_unlock"
	AuditRejectUnlock    AuditAction = "reject_unlock"
	AuditSaveEntry       AuditAction = "save_entry"
	AuditSaveObservation AuditAction = "save_month_observation"
)

// AuditEvent is write-once.
type AuditEvent struct {
	ID        string
	Action    AuditAction
	ActorID   string
	Timestamp time.Time
	Details   map[string]any
}

// NewAuditEvent stamps a fresh id.
func NewAuditEvent(action AuditAction, actorID string, at time.Time, details map[string]any) AuditEvent {
	return AuditEvent{
		ID:        uuid.NewString(),
		Action:    action,
		ActorID:   actorID,
		Timestamp: at,
		Details:   details,
	}
}

// AuditLog stores audit events. Append-only.
type AuditLog interface {
	Append(ctx context.Context, event AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

type AuditFilter struct {
	ActorID *string
	Actions []AuditAction
	From    *time.Time
	To      *time.Time
}

// Matches reports whether the event passes the filter.
func (f AuditFilter) Matches(e AuditEvent) bool {
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		ok := false
		for _, a := range f.Actions {
			if a == e.Action {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// LoggingAuditLog mirrors every appended event to a structured logger before
// handing it to the underlying log.
type LoggingAuditLog struct {
	Next   AuditLog
	Logger *slog.Logger
}

func NewLoggingAuditLog(next AuditLog, logger *slog.Logger) *LoggingAuditLog {
	return &LoggingAuditLog{Next: next, Logger: OrDiscard(logger)}
}

func (l *LoggingAuditLog) Append(ctx context.Context, event AuditEvent) error {
	l.Logger.InfoContext(ctx, "audit",
		"action", string(event.Action),
		"actor_id", event.ActorID,
		"event_id", event.ID,
		"details", event.Details,
	)
	if err := l.Next.Append(ctx, event); err != nil {
		l.Logger.ErrorContext(ctx, "audit append failed", "action", string(event.Action), "error", err)
		return err
	}
	return nil
}

func (l *LoggingAuditLog) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return l.Next.Query(ctx, filter)
}

// OrDiscard returns logger, or a logger that drops everything when nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
