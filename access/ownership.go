package access

import (
	"context"
	"fmt"

	"github.com/warp/ledgerlock/ledger"
)

// TargetOwnership returns the ownership used for scope checks on key: the
// stored entry's when it exists, otherwise ProspectiveOwnership.
func TargetOwnership(ctx context.Context, entries ledger.EntryStore, units ledger.UnitDirectory, id ledger.Identity, key ledger.EntryKey) (own ledger.Ownership, exists bool, err error) {
	entry, found, err := entries.GetEntry(ctx, key)
	if err != nil {
		return ledger.Ownership{}, false, fmt.Errorf("load entry: %w", err)
	}
	if found {
		return entry.Ownership(), true, nil
	}
	own, err = ProspectiveOwnership(ctx, units, id, key)
	return own, false, err
}

// ProspectiveOwnership is the ownership an empty slot gets if id creates it:
// owned by id, in the key's church, in that church's state. A church missing
// from the directory takes id's own state, except for state-scoped identities:
// their reach is defined by the directory, so an unknown church gets no state
// and Admits refuses it.
func ProspectiveOwnership(ctx context.Context, units ledger.UnitDirectory, id ledger.Identity, key ledger.EntryKey) (ledger.Ownership, error) {
	state := id.State
	if units != nil {
		unit, ok, err := units.GetUnit(ctx, key.Church)
		if err != nil {
			return ledger.Ownership{}, fmt.Errorf("load unit: %w", err)
		}
		switch {
		case ok && unit.State != "":
			state = unit.State
		case !ok && id.Scope == ledger.ScopeState && !id.IsAdmin():
			state = ""
		}
	}
	return ledger.Ownership{OwnerID: id.UserID, Church: key.Church, State: state}, nil
}
