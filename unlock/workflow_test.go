package unlock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/ledger/store"
	"github.com/warp/ledgerlock/monthlock"
	"github.com/warp/ledgerlock/unlock"
)

var (
	admin  = ledger.Identity{UserID: "admin-1", Role: ledger.RoleMaster}
	pastor = ledger.Identity{UserID: "u-1", Role: "pastor", Scope: ledger.ScopeChurch, Church: "c1", State: "SP"}
	t0     = time.Date(2025, 7, 2, 14, 0, 0, 0, time.UTC)
	june5  = ledger.EntryKey{Year: 2025, Month: 6, Day: 5, TimeSlot: ledger.Slot1930, Church: "c1"}
)

type fixture struct {
	wf     *unlock.Workflow
	months *monthlock.Service
	mem    *store.Memory
	audit  *store.MemoryAuditLog
	clock  *ledger.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	audit := store.NewMemoryAuditLog()
	clock := ledger.NewFixedClock(t0)
	months := monthlock.New(mem, audit, clock)
	return &fixture{
		wf:     unlock.New(mem, mem, mem, months, audit, clock),
		months: months,
		mem:    mem,
		audit:  audit,
		clock:  clock,
	}
}

func TestRequest_CreatesPending(t *testing.T) {
	f := newFixture(t)

	req, err := f.wf.Request(context.Background(), pastor, june5, "  wrong value  ")
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, ledger.UnlockPending, req.Status)
	assert.Equal(t, "u-1", req.RequesterID)
	assert.Equal(t, "wrong value", req.Reason)
	assert.False(t, req.EntryExists)
	assert.Equal(t, t0, req.CreatedAt)
}

func TestRequest_AllowedWhileMonthClosed(t *testing.T) {
	// GIVEN: A closed month
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.months.Close(ctx, admin, 2025, 6)
	require.NoError(t, err)

	// WHEN: An operator files
	req, err := f.wf.Request(ctx, pastor, june5, "late receipt")

	// THEN: Filed
	require.NoError(t, err)
	assert.Equal(t, ledger.UnlockPending, req.Status)
}

func TestRequest_MarksExistingEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mem.UpsertEntry(ctx, ledger.Entry{Key: june5, OwnerID: "u-1", State: "SP", Value: decimal.NewFromInt(10)})
	require.NoError(t, err)

	req, err := f.wf.Request(ctx, pastor, june5, "fix")
	require.NoError(t, err)
	assert.True(t, req.EntryExists)
}

func TestRequest_Rules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.wf.Request(ctx, admin, june5, "x")
	assert.ErrorIs(t, err, ledger.ErrForbidden, "administrators do not file requests")

	_, err = f.wf.Request(ctx, pastor, june5, "   ")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	bad := june5
	bad.Day = 31
	_, err = f.wf.Request(ctx, pastor, bad, "x")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	other := june5
	other.Church = "c2"
	_, err = f.wf.Request(ctx, pastor, other, "x")
	assert.ErrorIs(t, err, ledger.ErrOutOfScope)

	_, err = f.wf.Request(ctx, pastor, june5, "first")
	require.NoError(t, err)
	_, err = f.wf.Request(ctx, pastor, june5, "second")
	assert.ErrorIs(t, err, ledger.ErrAlreadyPending)
}

func TestApprove_Twice_SecondAlreadyDecided(t *testing.T) {
	// GIVEN: A pending request
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.wf.Request(ctx, pastor, june5, "fix")
	require.NoError(t, err)

	// WHEN: Approved twice
	first, err := f.wf.Approve(ctx, admin, req.ID, 30)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)
	_, err = f.wf.Approve(ctx, admin, req.ID, 240)

	// THEN: Second fails, first grant intact
	assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)

	stored, err := f.mem.GetUnlock(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.UnlockApproved, stored.Status)
	assert.Equal(t, 30, stored.DurationMinutes)
	assert.Equal(t, *first.Request.GrantedAt, *stored.GrantedAt)

	_, err = f.wf.Reject(ctx, admin, req.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)
}

func TestApprove_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.wf.Request(ctx, pastor, june5, "fix")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.wf.Approve(ctx, admin, req.ID, 60)
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

func TestApprove_ClosedMonthCarriesWarning(t *testing.T) {
	// GIVEN: U requests while open, then admin closes the month
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.wf.Request(ctx, pastor, june5, "missing offering")
	require.NoError(t, err)
	_, err = f.months.Close(ctx, admin, 2025, 6)
	require.NoError(t, err)

	// WHEN: Approved for 120 minutes
	res, err := f.wf.Approve(ctx, admin, req.ID, 120)

	// THEN: Success with a warning and an audit flag
	require.NoError(t, err)
	assert.True(t, res.MonthClosed)
	assert.NotEmpty(t, res.Warning)
	assert.Equal(t, 120, res.Request.DurationMinutes)

	events, err := f.audit.Query(ctx, ledger.AuditFilter{Actions: []ledger.AuditAction{ledger.AuditApproveUnlock}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Details["monthClosed"])
}

func TestApprove_OpenMonthNoWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.wf.Request(ctx, pastor, june5, "fix")
	require.NoError(t, err)

	res, err := f.wf.Approve(ctx, admin, req.ID, 0)
	require.NoError(t, err)
	assert.False(t, res.MonthClosed)
	assert.Empty(t, res.Warning)
	assert.Equal(t, unlock.DefaultDurationMinutes, res.Request.DurationMinutes)
}

func TestApprove_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.wf.Request(ctx, pastor, june5, "fix")
	require.NoError(t, err)

	_, err = f.wf.Approve(ctx, pastor, req.ID, 60)
	assert.ErrorIs(t, err, ledger.ErrForbidden)
	_, err = f.wf.Reject(ctx, pastor, req.ID)
	assert.ErrorIs(t, err, ledger.ErrForbidden)
	_, err = f.wf.Approve(ctx, admin, "missing", 60)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = f.wf.Reject(ctx, admin, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = f.wf.Approve(ctx, admin, req.ID, -5)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// Durations past the cap are refused instead of wrapping into the past
	_, err = f.wf.Approve(ctx, admin, req.ID, 200_000_000)
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "durationMinutes", verr.Field)
	_, err = f.wf.Approve(ctx, admin, req.ID, unlock.MaxDurationMinutes+1)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// A configured maximum lowers the cap
	f.wf.MaxDuration = 120
	_, err = f.wf.Approve(ctx, admin, req.ID, 121)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// The request is still pending and can be approved within bounds
	res, err := f.wf.Approve(ctx, admin, req.ID, 120)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(120*time.Minute), res.Request.GrantExpiresAt())
	_, found, err := f.wf.ActiveGrant(ctx, []string{"u-1"}, june5, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestReject_NoGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.wf.Request(ctx, pastor, june5, "fix")
	require.NoError(t, err)

	rejected, err := f.wf.Reject(ctx, admin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.UnlockRejected, rejected.Status)
	assert.Nil(t, rejected.GrantedAt)

	_, found, err := f.wf.ActiveGrant(ctx, []string{"u-1"}, june5, t0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListPending_OldestFirstAdminOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.wf.Request(ctx, pastor, june5, "a")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	k2 := june5
	k2.Day = 6
	second, err := f.wf.Request(ctx, pastor, k2, "b")
	require.NoError(t, err)

	pending, err := f.wf.ListPending(ctx, admin)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	_, err = f.wf.ListPending(ctx, pastor)
	assert.ErrorIs(t, err, ledger.ErrForbidden)
}

func TestActiveGrant_Expiry(t *testing.T) {
	// GIVEN: A 60-minute grant approved at T0
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.wf.Request(ctx, pastor, june5, "fix")
	require.NoError(t, err)
	_, err = f.wf.Approve(ctx, admin, req.ID, 60)
	require.NoError(t, err)

	// THEN: Active at T0+30m, gone at T0+90m
	grant, found, err := f.wf.ActiveGrant(ctx, []string{"u-1"}, june5, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, req.ID, grant.ID)

	_, found, err = f.wf.ActiveGrant(ctx, []string{"u-1"}, june5, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.False(t, found)

	// Other keys and users see nothing
	_, found, err = f.wf.ActiveGrant(ctx, []string{"u-2"}, june5, t0)
	require.NoError(t, err)
	assert.False(t, found)
}
