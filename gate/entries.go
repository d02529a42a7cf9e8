package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledgerlock/access"
	"github.com/warp/ledgerlock/ledger"
)

// EntryInput is a save request for one entry.
type EntryInput struct {
	Key   ledger.EntryKey
	Value decimal.Decimal
	Note  string
}

// EntryService is the entry write path. Every save goes through the gate.
type EntryService struct {
	Gate   *Gate
	Store  ledger.EntryStore
	Units  ledger.UnitDirectory
	Audit  ledger.AuditLog
	Clock  ledger.Clock
	Logger *slog.Logger
}

func NewEntryService(g *Gate, store ledger.EntryStore, units ledger.UnitDirectory, audit ledger.AuditLog, clock ledger.Clock) *EntryService {
	return &EntryService{Gate: g, Store: store, Units: units, Audit: audit, Clock: clock}
}

// Save authorizes and upserts an entry. On refusal the returned error is a
// *ledger.DeniedError and the Decision says why.
//
// Updating an existing entry keeps its owner, state and creation time, also
// when an administrator makes the change.
func (s *EntryService) Save(ctx context.Context, id ledger.Identity, in EntryInput) (ledger.Entry, Decision, error) {
	d, err := s.Gate.AuthorizeWrite(ctx, id, in.Key)
	if err != nil {
		return ledger.Entry{}, Decision{}, err
	}
	if !d.Allowed {
		ledger.OrDiscard(s.Logger).WarnContext(ctx, "entry write denied",
			"user_id", id.UserID,
			"key", in.Key.String(),
			"reason", d.Reason,
		)
		return ledger.Entry{}, d, d.Err(in.Key)
	}

	now := s.Clock.Now()
	entry, found, err := s.Store.GetEntry(ctx, in.Key)
	if err != nil {
		return ledger.Entry{}, Decision{}, fmt.Errorf("load entry: %w", err)
	}
	if !found {
		entry, err = s.newEntry(ctx, id, in.Key, now)
		if err != nil {
			return ledger.Entry{}, Decision{}, err
		}
	}
	entry.Value = in.Value
	entry.Note = in.Note
	entry.UpdatedAt = now

	saved, err := s.Store.UpsertEntry(ctx, entry)
	if err != nil {
		return ledger.Entry{}, Decision{}, fmt.Errorf("save entry: %w", err)
	}

	details := map[string]any{
		"key":     in.Key.String(),
		"value":   in.Value.String(),
		"created": !found,
		"reason":  d.Reason,
	}
	if d.GrantID != "" {
		details["grantId"] = d.GrantID
	}
	if err := s.Audit.Append(ctx, ledger.NewAuditEvent(ledger.AuditSaveEntry, id.UserID, now, details)); err != nil {
		return ledger.Entry{}, Decision{}, fmt.Errorf("record %s: %w", ledger.AuditSaveEntry, err)
	}
	return saved, d, nil
}

func (s *EntryService) newEntry(ctx context.Context, id ledger.Identity, key ledger.EntryKey, now time.Time) (ledger.Entry, error) {
	own, err := access.ProspectiveOwnership(ctx, s.Units, id, key)
	if err != nil {
		return ledger.Entry{}, err
	}
	name := key.Church
	if s.Units != nil {
		unit, ok, err := s.Units.GetUnit(ctx, key.Church)
		if err != nil {
			return ledger.Entry{}, fmt.Errorf("load unit: %w", err)
		}
		if ok && unit.Name != "" {
			name = unit.Name
		}
	}
	return ledger.Entry{
		Key:        key,
		OwnerID:    own.OwnerID,
		State:      own.State,
		ChurchName: name,
		CreatedAt:  now,
	}, nil
}

// Get returns one entry if it exists and the caller's filter admits it.
// A missing key is ErrNotFound for every caller: an empty slot has no owner
// to check scope against, and keys carry no data beyond the calendar and the
// church id.
func (s *EntryService) Get(ctx context.Context, id ledger.Identity, key ledger.EntryKey) (ledger.Entry, error) {
	if err := key.Validate(); err != nil {
		return ledger.Entry{}, err
	}
	entry, found, err := s.Store.GetEntry(ctx, key)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("load entry: %w", err)
	}
	if !found {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	if !access.Admits(access.Resolve(id), entry.Ownership()) {
		return ledger.Entry{}, &ledger.DeniedError{Reason: ledger.DenyOutOfScope, Key: key}
	}
	return entry, nil
}
