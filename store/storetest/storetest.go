// Package storetest holds the behavior every ledger.Store implementation must
// share. Store packages call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledgerlock/ledger"
)

// Backend is a store that also records audit events, as the SQL stores do.
type Backend interface {
	ledger.Store
	ledger.AuditLog
}

var t0 = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

func key(day int, slot ledger.TimeSlot, church string) ledger.EntryKey {
	return ledger.EntryKey{Year: 2025, Month: 6, Day: day, TimeSlot: slot, Church: church}
}

// Run exercises s. newStore must return an empty store on each call.
func Run(t *testing.T, newStore func(t *testing.T) Backend) {
	t.Run("EntryUpsertKeepsCreatedAt", func(t *testing.T) { entryUpsert(t, newStore(t)) })
	t.Run("EntryListOrderAndFilters", func(t *testing.T) { entryList(t, newStore(t)) })
	t.Run("MonthStatusRoundTrip", func(t *testing.T) { monthStatus(t, newStore(t)) })
	t.Run("ObservationRoundTrip", func(t *testing.T) { observation(t, newStore(t)) })
	t.Run("UnlockLifecycle", func(t *testing.T) { unlockLifecycle(t, newStore(t)) })
	t.Run("UnlockOnePendingPerKey", func(t *testing.T) { unlockOnePending(t, newStore(t)) })
	t.Run("UnlockDecideRace", func(t *testing.T) { unlockRace(t, newStore(t)) })
	t.Run("Units", func(t *testing.T) { units(t, newStore(t)) })
	t.Run("AuditAppendQuery", func(t *testing.T) { audit(t, newStore(t)) })
}

func entryUpsert(t *testing.T, s Backend) {
	ctx := context.Background()
	k := key(3, ledger.Slot0800, "c1")

	_, err := s.UpsertEntry(ctx, ledger.Entry{Key: k, Value: decimal.RequireFromString("150.75"), OwnerID: "u1", State: "SP", CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)

	later := t0.Add(time.Hour)
	saved, err := s.UpsertEntry(ctx, ledger.Entry{Key: k, Value: decimal.RequireFromString("200.10"), OwnerID: "u1", State: "SP", Note: "fixed", CreatedAt: later, UpdatedAt: later})
	require.NoError(t, err)

	assert.Equal(t, "200.1", saved.Value.String())
	assert.Equal(t, "fixed", saved.Note)
	assert.True(t, saved.CreatedAt.Equal(t0))
	assert.True(t, saved.UpdatedAt.Equal(later))

	_, found, err := s.GetEntry(ctx, key(4, ledger.Slot0800, "c1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func entryList(t *testing.T, s Backend) {
	ctx := context.Background()
	save := func(k ledger.EntryKey, state, owner string) {
		_, err := s.UpsertEntry(ctx, ledger.Entry{Key: k, State: state, OwnerID: owner, Value: decimal.NewFromInt(1), CreatedAt: t0, UpdatedAt: t0})
		require.NoError(t, err)
	}
	save(key(2, ledger.Slot1930, "c2"), "SP", "u2")
	save(key(2, ledger.Slot0800, "c2"), "SP", "u2")
	save(key(1, ledger.Slot1000, "c1"), "RJ", "u1")
	save(key(2, ledger.Slot0800, "c1"), "RJ", "u1")
	_, err := s.UpsertEntry(ctx, ledger.Entry{Key: ledger.EntryKey{Year: 2025, Month: 7, Day: 1, TimeSlot: ledger.Slot0800, Church: "c1"}, Value: decimal.NewFromInt(1), CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)

	all, err := s.ListEntries(ctx, ledger.EntryQuery{Year: 2025, Month: 6})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, key(1, ledger.Slot1000, "c1"), all[0].Key)
	assert.Equal(t, key(2, ledger.Slot0800, "c2"), all[1].Key)
	assert.Equal(t, key(2, ledger.Slot0800, "c1"), all[2].Key)
	assert.Equal(t, key(2, ledger.Slot1930, "c2"), all[3].Key)

	byState, err := s.ListEntries(ctx, ledger.EntryQuery{Year: 2025, Month: 6, State: "RJ"})
	require.NoError(t, err)
	assert.Len(t, byState, 2)

	byOwner, err := s.ListEntries(ctx, ledger.EntryQuery{Year: 2025, Month: 6, OwnerID: "u2", Church: "c2"})
	require.NoError(t, err)
	assert.Len(t, byOwner, 2)

	none, err := s.ListEntries(ctx, ledger.EntryQuery{Year: 2025, Month: 6, None: true})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func monthStatus(t *testing.T, s Backend) {
	ctx := context.Background()

	st, found, err := s.GetMonthStatus(ctx, 2025, 6)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, st.Closed)

	closedAt := t0
	require.NoError(t, s.SaveMonthStatus(ctx, ledger.MonthStatus{Year: 2025, Month: 6, Closed: true, ClosedBy: "admin", ClosedAt: &closedAt}))

	st, found, err = s.GetMonthStatus(ctx, 2025, 6)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, st.Closed)
	assert.Equal(t, "admin", st.ClosedBy)
	require.NotNil(t, st.ClosedAt)
	assert.True(t, st.ClosedAt.Equal(t0))
	assert.Nil(t, st.ReopenedAt)

	reopenedAt := t0.Add(time.Hour)
	st.Closed = false
	st.ReopenedBy = "admin2"
	st.ReopenedAt = &reopenedAt
	require.NoError(t, s.SaveMonthStatus(ctx, st))

	st, _, err = s.GetMonthStatus(ctx, 2025, 6)
	require.NoError(t, err)
	assert.False(t, st.Closed)
	assert.Equal(t, "admin", st.ClosedBy)
	assert.Equal(t, "admin2", st.ReopenedBy)
}

func observation(t *testing.T, s Backend) {
	ctx := context.Background()

	_, found, err := s.GetObservation(ctx, 2025, 6)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveObservation(ctx, ledger.MonthObservation{Year: 2025, Month: 6, Text: "first", UpdatedBy: "a", UpdatedAt: t0}))
	require.NoError(t, s.SaveObservation(ctx, ledger.MonthObservation{Year: 2025, Month: 6, Text: "second", UpdatedBy: "b", UpdatedAt: t0}))

	obs, found, err := s.GetObservation(ctx, 2025, 6)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "second", obs.Text)
	assert.Equal(t, "b", obs.UpdatedBy)
}

func pending(id, requester string, k ledger.EntryKey, at time.Time) ledger.UnlockRequest {
	return ledger.UnlockRequest{
		ID:          id,
		RequesterID: requester,
		Target:      k,
		Reason:      "fix",
		Status:      ledger.UnlockPending,
		CreatedAt:   at,
	}
}

func unlockLifecycle(t *testing.T, s Backend) {
	ctx := context.Background()
	k := key(5, ledger.Slot1200, "c1")

	require.NoError(t, s.CreateUnlock(ctx, pending("r2", "u2", k, t0.Add(time.Minute))))
	require.NoError(t, s.CreateUnlock(ctx, pending("r1", "u1", k, t0)))

	list, err := s.ListPendingUnlocks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r1", list[0].ID)
	assert.Equal(t, "r2", list[1].ID)

	approved, err := s.DecideUnlock(ctx, "r1", ledger.UnlockDecision{Status: ledger.UnlockApproved, DecidedBy: "admin", DecidedAt: t0, DurationMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, ledger.UnlockApproved, approved.Status)
	assert.Equal(t, 60, approved.DurationMinutes)
	require.NotNil(t, approved.GrantedAt)
	assert.True(t, approved.GrantActiveAt(t0.Add(30*time.Minute)))

	rejected, err := s.DecideUnlock(ctx, "r2", ledger.UnlockDecision{Status: ledger.UnlockRejected, DecidedBy: "admin", DecidedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, ledger.UnlockRejected, rejected.Status)
	assert.Nil(t, rejected.GrantedAt)

	_, err = s.DecideUnlock(ctx, "r1", ledger.UnlockDecision{Status: ledger.UnlockRejected, DecidedBy: "admin", DecidedAt: t0})
	assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)
	_, err = s.DecideUnlock(ctx, "missing", ledger.UnlockDecision{Status: ledger.UnlockRejected})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.GetUnlock(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	grants, err := s.ListApprovedUnlocks(ctx, k, []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "r1", grants[0].ID)

	grants, err = s.ListApprovedUnlocks(ctx, k, []string{"u3"})
	require.NoError(t, err)
	assert.Empty(t, grants)

	list, err = s.ListPendingUnlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func unlockOnePending(t *testing.T, s Backend) {
	ctx := context.Background()
	k := key(5, ledger.Slot1200, "c1")

	require.NoError(t, s.CreateUnlock(ctx, pending("a", "u1", k, t0)))
	assert.ErrorIs(t, s.CreateUnlock(ctx, pending("b", "u1", k, t0)), ledger.ErrAlreadyPending)

	// Once decided, the requester may file again
	_, err := s.DecideUnlock(ctx, "a", ledger.UnlockDecision{Status: ledger.UnlockRejected, DecidedBy: "admin", DecidedAt: t0})
	require.NoError(t, err)
	require.NoError(t, s.CreateUnlock(ctx, pending("c", "u1", k, t0)))
}

func unlockRace(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateUnlock(ctx, pending("r", "u1", key(1, ledger.Slot0800, "c1"), t0)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DecideUnlock(ctx, "r", ledger.UnlockDecision{Status: ledger.UnlockApproved, DecidedBy: "admin", DecidedAt: t0, DurationMinutes: 10})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func units(t *testing.T, s Backend) {
	ctx := context.Background()

	_, found, err := s.GetUnit(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveUnit(ctx, ledger.Unit{ID: "c1", Name: "Central", State: "SP"}))
	require.NoError(t, s.SaveUnit(ctx, ledger.Unit{ID: "c1", Name: "Central Sul", State: "SP"}))

	u, found, err := s.GetUnit(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Central Sul", u.Name)
}

func audit(t *testing.T, s Backend) {
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, ledger.NewAuditEvent(ledger.AuditCloseMonth, "admin", t0, map[string]any{"month": 6, "year": 2025})))
	require.NoError(t, s.Append(ctx, ledger.NewAuditEvent(ledger.AuditSaveEntry, "u1", t0.Add(time.Minute), nil)))

	all, err := s.Query(ctx, ledger.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.AuditCloseMonth, all[0].Action)
	assert.EqualValues(t, 6, all[0].Details["month"])

	actor := "u1"
	mine, err := s.Query(ctx, ledger.AuditFilter{ActorID: &actor})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ledger.AuditSaveEntry, mine[0].Action)

	closes, err := s.Query(ctx, ledger.AuditFilter{Actions: []ledger.AuditAction{ledger.AuditCloseMonth}})
	require.NoError(t, err)
	assert.Len(t, closes, 1)
}
