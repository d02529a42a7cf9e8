package gate_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledgerlock/gate"
	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/ledger/store"
	"github.com/warp/ledgerlock/metrics"
	"github.com/warp/ledgerlock/monthlock"
	"github.com/warp/ledgerlock/unlock"
)

// =============================================================================
// FIXTURE
// =============================================================================

var (
	admin   = ledger.Identity{UserID: "admin-1", Role: ledger.RoleMaster}
	userU   = ledger.Identity{UserID: "u-1", Role: "pastor"}
	pastor2 = ledger.Identity{UserID: "u-2", Role: "pastor", Scope: ledger.ScopeChurch, Church: "c1"}
	bispoSP = ledger.Identity{UserID: "b-1", Role: "bispo", Scope: ledger.ScopeState, State: "SP"}
	bispoRJ = ledger.Identity{UserID: "b-2", Role: "bispo", Scope: ledger.ScopeState, State: "RJ"}

	t0    = time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	june5 = ledger.EntryKey{Year: 2025, Month: 6, Day: 5, TimeSlot: ledger.Slot1930, Church: "c1"}
)

type fixture struct {
	gate    *gate.Gate
	entries *gate.EntryService
	months  *monthlock.Service
	wf      *unlock.Workflow
	mem     *store.Memory
	audit   *store.MemoryAuditLog
	clock   *ledger.FixedClock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveUnit(ctx, ledger.Unit{ID: "c1", Name: "Central", State: "SP"}))
	require.NoError(t, mem.SaveUnit(ctx, ledger.Unit{ID: "c2", Name: "Norte", State: "RJ"}))

	audit := store.NewMemoryAuditLog()
	clock := ledger.NewFixedClock(t0)
	m := metrics.New()
	months := monthlock.New(mem, audit, clock)
	wf := unlock.New(mem, mem, mem, months, audit, clock)
	g := gate.New(mem, mem, months, wf, clock)
	g.Metrics = m

	return &fixture{
		gate:    g,
		entries: gate.NewEntryService(g, mem, mem, audit, clock),
		months:  months,
		wf:      wf,
		mem:     mem,
		audit:   audit,
		clock:   clock,
		metrics: m,
	}
}

func (f *fixture) save(t *testing.T, id ledger.Identity, key ledger.EntryKey, value string) (ledger.Entry, gate.Decision, error) {
	t.Helper()
	return f.entries.Save(context.Background(), id, gate.EntryInput{Key: key, Value: decimal.RequireFromString(value)})
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestAuthorizeWrite_AdminAlwaysAllowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, closed := range []bool{false, true} {
		if closed {
			_, err := f.months.Close(ctx, admin, 2025, 6)
			require.NoError(t, err)
		}
		d, err := f.gate.AuthorizeWrite(ctx, admin, june5)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "closed=%v", closed)
		assert.Equal(t, gate.ReasonAdmin, d.Reason)
	}
}

func TestAuthorizeWrite_ClosedMonthDeniesOperators(t *testing.T) {
	// GIVEN: A closed month
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.months.Close(ctx, admin, 2025, 6)
	require.NoError(t, err)

	// THEN: Every non-administrator in scope is denied with month_closed
	for _, id := range []ledger.Identity{userU, pastor2, bispoSP} {
		d, err := f.gate.AuthorizeWrite(ctx, id, june5)
		require.NoError(t, err)
		assert.False(t, d.Allowed, id.UserID)
		assert.Equal(t, string(ledger.DenyMonthClosed), d.Reason, id.UserID)
		assert.ErrorIs(t, d.Err(june5), ledger.ErrMonthClosed)
	}
}

func TestAuthorizeWrite_OutOfScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// c1 is in SP
	d, err := f.gate.AuthorizeWrite(ctx, bispoRJ, june5)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, string(ledger.DenyOutOfScope), d.Reason)

	d, err = f.gate.AuthorizeWrite(ctx, bispoSP, june5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// An existing entry owned by someone else is out of reach for an owner-scoped user
	_, _, err = f.save(t, pastor2, june5, "10")
	require.NoError(t, err)
	d, err = f.gate.AuthorizeWrite(ctx, userU, june5)
	require.NoError(t, err)
	assert.Equal(t, string(ledger.DenyOutOfScope), d.Reason)
}

func TestAuthorizeWrite_UnknownChurch(t *testing.T) {
	// GIVEN: A church id the directory does not know
	ctx := context.Background()
	f := newFixture(t)
	unknown := june5
	unknown.Church = "c9"

	// WHEN: A state-scoped identity tries to create an entry there
	d, err := f.gate.AuthorizeWrite(ctx, bispoSP, unknown)
	require.NoError(t, err)

	// THEN: It is out of reach and nothing is stamped with the caller's state
	assert.False(t, d.Allowed)
	assert.Equal(t, string(ledger.DenyOutOfScope), d.Reason)
	_, _, err = f.save(t, bispoSP, unknown, "10")
	assert.ErrorIs(t, err, ledger.ErrOutOfScope)

	// Owner-scoped users still own what they create
	d, err = f.gate.AuthorizeWrite(ctx, userU, unknown)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAuthorizeWrite_InvalidKey(t *testing.T) {
	f := newFixture(t)
	bad := june5
	bad.TimeSlot = "07:00"

	_, err := f.gate.AuthorizeWrite(context.Background(), admin, bad)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestAuthorizeWrite_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.months.Close(ctx, admin, 2025, 6)
	require.NoError(t, err)

	_, err = f.gate.AuthorizeWrite(ctx, userU, june5)
	require.NoError(t, err)

	// Counted once under deny/month_closed
	assert.Contains(t, gatherNames(t, f.metrics), "ledgerlock_gate_decisions_total")
}

func gatherNames(t *testing.T, m *metrics.Metrics) []string {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	return names
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_CloseBlocksReopenAllows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: U creates an entry of 150.75 in June 2025
	entry, _, err := f.save(t, userU, june5, "150.75")
	require.NoError(t, err)
	assert.Equal(t, "u-1", entry.OwnerID)
	assert.Equal(t, "SP", entry.State)
	assert.Equal(t, "Central", entry.ChurchName)

	// WHEN: The administrator closes June
	_, err = f.months.Close(ctx, admin, 2025, 6)
	require.NoError(t, err)

	// THEN: U's resave is denied
	_, d, err := f.save(t, userU, june5, "200")
	assert.ErrorIs(t, err, ledger.ErrMonthClosed)
	assert.False(t, d.Allowed)

	stored, _, err := f.mem.GetEntry(ctx, june5)
	require.NoError(t, err)
	assert.True(t, stored.Value.Equal(decimal.RequireFromString("150.75")))

	// WHEN: The administrator reopens June
	_, err = f.months.Reopen(ctx, admin, 2025, 6)
	require.NoError(t, err)

	// THEN: U's resave succeeds with the new value
	saved, d, err := f.save(t, userU, june5, "200")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, saved.Value.Equal(decimal.RequireFromString("200")))
	assert.Equal(t, entry.CreatedAt, saved.CreatedAt)
}

func TestScenario_GrantExpiresAfterDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: An entry by U, a closed month, and a 60-minute grant approved at T0
	_, _, err := f.save(t, userU, june5, "50")
	require.NoError(t, err)
	req, err := f.wf.Request(ctx, userU, june5, "wrong amount")
	require.NoError(t, err)
	_, err = f.months.Close(ctx, admin, 2025, 6)
	require.NoError(t, err)
	_, err = f.wf.Approve(ctx, admin, req.ID, 60)
	require.NoError(t, err)

	// WHEN: U writes at T0+30m
	f.clock.Set(t0.Add(30 * time.Minute))
	_, d, err := f.save(t, userU, june5, "55")

	// THEN: Allowed through the grant
	require.NoError(t, err)
	assert.Equal(t, gate.ReasonGrant, d.Reason)
	assert.Equal(t, req.ID, d.GrantID)

	// WHEN: U writes at T0+90m
	f.clock.Set(t0.Add(90 * time.Minute))
	_, d, err = f.save(t, userU, june5, "60")

	// THEN: Denied, month closed
	assert.ErrorIs(t, err, ledger.ErrMonthClosed)
	assert.Equal(t, string(ledger.DenyMonthClosed), d.Reason)
}

func TestGrant_OwnerGrantCoversChurchScopedEditor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: U owns the entry and holds an active grant
	_, _, err := f.save(t, userU, june5, "50")
	require.NoError(t, err)
	req, err := f.wf.Request(ctx, userU, june5, "fix")
	require.NoError(t, err)
	_, err = f.months.Close(ctx, admin, 2025, 6)
	require.NoError(t, err)
	_, err = f.wf.Approve(ctx, admin, req.ID, 60)
	require.NoError(t, err)

	// WHEN: The church pastor edits the same entry
	d, err := f.gate.AuthorizeWrite(ctx, pastor2, june5)

	// THEN: The owner's grant applies
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, gate.ReasonGrant, d.Reason)

	// A grant on a different key does not
	other := june5
	other.Day = 6
	d, err = f.gate.AuthorizeWrite(ctx, userU, other)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

// =============================================================================
// EDIT WINDOW
// =============================================================================

func TestEditWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gate.EditWindow = time.Hour

	// GIVEN: An entry created at T0 in an open month
	_, _, err := f.save(t, userU, june5, "10")
	require.NoError(t, err)

	// THEN: Editable within the hour
	f.clock.Set(t0.Add(59 * time.Minute))
	_, _, err = f.save(t, userU, june5, "11")
	require.NoError(t, err)

	// THEN: Locked after the hour, even though the month is open
	f.clock.Set(t0.Add(61 * time.Minute))
	_, d, err := f.save(t, userU, june5, "12")
	assert.ErrorIs(t, err, ledger.ErrEditWindowExpired)
	assert.Equal(t, string(ledger.DenyEditWindowExpired), d.Reason)

	// Administrators are unaffected
	_, _, err = f.save(t, admin, june5, "13")
	require.NoError(t, err)

	// A grant reopens it
	req, err := f.wf.Request(ctx, userU, june5, "late fix")
	require.NoError(t, err)
	_, err = f.wf.Approve(ctx, admin, req.ID, 30)
	require.NoError(t, err)
	_, d, err = f.save(t, userU, june5, "14")
	require.NoError(t, err)
	assert.Equal(t, gate.ReasonGrant, d.Reason)
}

// =============================================================================
// ENTRY SERVICE
// =============================================================================

func TestEntryService_AdminEditKeepsOwner(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.save(t, userU, june5, "10")
	require.NoError(t, err)

	saved, _, err := f.save(t, admin, june5, "99.99")
	require.NoError(t, err)
	assert.Equal(t, "u-1", saved.OwnerID)
	assert.Equal(t, "SP", saved.State)
}

func TestEntryService_AuditsSaves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, err := f.save(t, userU, june5, "10")
	require.NoError(t, err)

	events, err := f.audit.Query(ctx, ledger.AuditFilter{Actions: []ledger.AuditAction{ledger.AuditSaveEntry}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "u-1", events[0].ActorID)
	assert.Equal(t, "10", events[0].Details["value"])
	assert.Equal(t, true, events[0].Details["created"])
}

func TestEntryService_Get(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.entries.Get(ctx, userU, june5)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, _, err = f.save(t, userU, june5, "10")
	require.NoError(t, err)

	got, err := f.entries.Get(ctx, bispoSP, june5)
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(decimal.NewFromInt(10)))

	_, err = f.entries.Get(ctx, bispoRJ, june5)
	assert.ErrorIs(t, err, ledger.ErrOutOfScope)
}
