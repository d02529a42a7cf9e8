// Package store provides in-memory ledger.Store and ledger.AuditLog
// implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/ledgerlock/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	entries      map[ledger.EntryKey]ledger.Entry
	months       map[monthKey]ledger.MonthStatus
	observations map[monthKey]ledger.MonthObservation
	unlocks      map[string]ledger.UnlockRequest
	units        map[string]ledger.Unit

	// seq preserves insertion order among entries and requests that share a
	// timestamp.
	seq       int64
	entrySeq  map[ledger.EntryKey]int64
	unlockSeq map[string]int64
}

type monthKey struct {
	Year  int
	Month int
}

func NewMemory() *Memory {
	return &Memory{
		entries:      make(map[ledger.EntryKey]ledger.Entry),
		months:       make(map[monthKey]ledger.MonthStatus),
		observations: make(map[monthKey]ledger.MonthObservation),
		unlocks:      make(map[string]ledger.UnlockRequest),
		units:        make(map[string]ledger.Unit),
		entrySeq:     make(map[ledger.EntryKey]int64),
		unlockSeq:    make(map[string]int64),
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

func (m *Memory) GetEntry(_ context.Context, key ledger.EntryKey) (ledger.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *Memory) UpsertEntry(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[entry.Key]; ok {
		entry.CreatedAt = existing.CreatedAt
	} else {
		m.seq++
		m.entrySeq[entry.Key] = m.seq
	}
	m.entries[entry.Key] = entry
	return entry, nil
}

func (m *Memory) ListEntries(_ context.Context, q ledger.EntryQuery) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.None {
		return nil, nil
	}
	var result []ledger.Entry
	for _, e := range m.entries {
		if q.Matches(e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Key.Day != b.Key.Day {
			return a.Key.Day < b.Key.Day
		}
		if a.Key.TimeSlot != b.Key.TimeSlot {
			return a.Key.TimeSlot.Order() < b.Key.TimeSlot.Order()
		}
		return m.entrySeq[a.Key] < m.entrySeq[b.Key]
	})
	return result, nil
}

// =============================================================================
// MONTHS
// =============================================================================

func (m *Memory) GetMonthStatus(_ context.Context, year, month int) (ledger.MonthStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.months[monthKey{year, month}]
	if !ok {
		return ledger.OpenMonth(year, month), false, nil
	}
	return s, true, nil
}

// SaveMonthStatus is last-writer-wins.
func (m *Memory) SaveMonthStatus(_ context.Context, status ledger.MonthStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.months[monthKey{status.Year, status.Month}] = status
	return nil
}

func (m *Memory) GetObservation(_ context.Context, year, month int) (ledger.MonthObservation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.observations[monthKey{year, month}]
	return o, ok, nil
}

func (m *Memory) SaveObservation(_ context.Context, obs ledger.MonthObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[monthKey{obs.Year, obs.Month}] = obs
	return nil
}

// =============================================================================
// UNLOCK REQUESTS
// =============================================================================

func (m *Memory) CreateUnlock(_ context.Context, req ledger.UnlockRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.unlocks {
		if r.Status == ledger.UnlockPending && r.RequesterID == req.RequesterID && r.Target == req.Target {
			return ledger.ErrAlreadyPending
		}
	}
	m.seq++
	m.unlocks[req.ID] = req
	m.unlockSeq[req.ID] = m.seq
	return nil
}

func (m *Memory) GetUnlock(_ context.Context, id string) (ledger.UnlockRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.unlocks[id]
	if !ok {
		return ledger.UnlockRequest{}, ledger.ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListPendingUnlocks(_ context.Context) ([]ledger.UnlockRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.UnlockRequest
	for _, r := range m.unlocks {
		if r.Status == ledger.UnlockPending {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return m.unlockSeq[result[i].ID] < m.unlockSeq[result[j].ID]
	})
	return result, nil
}

func (m *Memory) ListApprovedUnlocks(_ context.Context, key ledger.EntryKey, requesterIDs []string) ([]ledger.UnlockRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(requesterIDs))
	for _, id := range requesterIDs {
		wanted[id] = true
	}
	var result []ledger.UnlockRequest
	for _, r := range m.unlocks {
		if r.Status == ledger.UnlockApproved && r.Target == key && wanted[r.RequesterID] {
			result = append(result, r)
		}
	}
	return result, nil
}

// DecideUnlock checks and writes under one lock, so exactly one of two racing
// decisions succeeds.
func (m *Memory) DecideUnlock(_ context.Context, id string, d ledger.UnlockDecision) (ledger.UnlockRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.unlocks[id]
	if !ok {
		return ledger.UnlockRequest{}, ledger.ErrNotFound
	}
	if r.Status != ledger.UnlockPending {
		return ledger.UnlockRequest{}, ledger.ErrAlreadyDecided
	}
	decidedAt := d.DecidedAt
	r.Status = d.Status
	r.DecidedBy = d.DecidedBy
	r.DecidedAt = &decidedAt
	if d.Status == ledger.UnlockApproved {
		r.DurationMinutes = d.DurationMinutes
		grantedAt := d.DecidedAt
		r.GrantedAt = &grantedAt
	}
	m.unlocks[id] = r
	return r, nil
}

// =============================================================================
// UNITS
// =============================================================================

func (m *Memory) GetUnit(_ context.Context, id string) (ledger.Unit, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	return u, ok, nil
}

func (m *Memory) SaveUnit(_ context.Context, unit ledger.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[unit.ID] = unit
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// MemoryAuditLog keeps events in append order.
type MemoryAuditLog struct {
	mu     sync.RWMutex
	events []ledger.AuditEvent
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Append(_ context.Context, event ledger.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryAuditLog) Query(_ context.Context, filter ledger.AuditFilter) ([]ledger.AuditEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []ledger.AuditEvent
	for _, e := range l.events {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

// Compile-time interface checks.
var (
	_ ledger.Store    = (*Memory)(nil)
	_ ledger.AuditLog = (*MemoryAuditLog)(nil)
)
