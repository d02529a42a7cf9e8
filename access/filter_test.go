package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/ledgerlock/access"
	"github.com/warp/ledgerlock/ledger"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		id   ledger.Identity
		want access.Filter
	}{
		{"master is global", ledger.Identity{UserID: "a", Role: ledger.RoleMaster, Scope: ledger.ScopeChurch, Church: "c1"}, access.Global{}},
		{"state scope", ledger.Identity{UserID: "b", Role: "bispo", Scope: ledger.ScopeState, State: "SP"}, access.ByRegion{State: "SP"}},
		{"church scope", ledger.Identity{UserID: "p", Role: "pastor", Scope: ledger.ScopeChurch, Church: "c1"}, access.ByUnit{Church: "c1"}},
		{"no scope", ledger.Identity{UserID: "u", Role: "leader"}, access.ByOwner{UserID: "u"}},
		{"global scope without master role", ledger.Identity{UserID: "u", Role: "leader", Scope: ledger.ScopeGlobal}, access.ByOwner{UserID: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, access.Resolve(tt.id))
		})
	}
}

func TestAdmits(t *testing.T) {
	own := ledger.Ownership{OwnerID: "u1", Church: "c1", State: "SP"}

	assert.True(t, access.Admits(access.Global{}, own))
	assert.True(t, access.Admits(access.ByRegion{State: "SP"}, own))
	assert.False(t, access.Admits(access.ByRegion{State: "RJ"}, own))
	assert.True(t, access.Admits(access.ByUnit{Church: "c1"}, own))
	assert.False(t, access.Admits(access.ByUnit{Church: "c2"}, own))
	assert.True(t, access.Admits(access.ByOwner{UserID: "u1"}, own))
	assert.False(t, access.Admits(access.ByOwner{UserID: "u2"}, own))

	// Empty scope values admit nothing
	assert.False(t, access.Admits(access.ByUnit{}, ledger.Ownership{}))
	assert.False(t, access.Admits(access.ByRegion{}, ledger.Ownership{}))
}

func TestQuery_NarrowsNeverWidens(t *testing.T) {
	// GIVEN: A church-scoped caller
	f := access.ByUnit{Church: "c1"}

	// WHEN: Asking for their own church
	q := access.Query(f, 2025, 6, "c1")
	// THEN: Pinned to it
	assert.False(t, q.None)
	assert.Equal(t, "c1", q.Church)
	assert.True(t, access.SingleUnit(q))

	// WHEN: Asking for another church
	q = access.Query(f, 2025, 6, "c2")
	// THEN: Nothing matches
	assert.True(t, q.None)
}

func TestQuery_RegionWithUnitKeepsState(t *testing.T) {
	q := access.Query(access.ByRegion{State: "SP"}, 2025, 6, "c9")

	assert.Equal(t, "SP", q.State)
	assert.Equal(t, "c9", q.Church)

	other := ledger.Entry{Key: ledger.EntryKey{Year: 2025, Month: 6, Church: "c9"}, State: "RJ"}
	assert.False(t, q.Matches(other))
}

func TestQuery_GlobalWithoutUnitIsUnpinned(t *testing.T) {
	q := access.Query(access.Global{}, 2025, 6, "")
	assert.False(t, access.SingleUnit(q))
	assert.Equal(t, ledger.EntryQuery{Year: 2025, Month: 6}, q)
}

func TestQuery_OwnerKeepsOwner(t *testing.T) {
	q := access.Query(access.ByOwner{UserID: "u1"}, 2025, 6, "c1")
	assert.Equal(t, "u1", q.OwnerID)
	assert.Equal(t, "c1", q.Church)
}
