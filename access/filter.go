/*
Package access turns an authenticated identity into a visibility filter.

PURPOSE:
  Every read and every write goes through the same filter. The write path asks
  "may this identity touch an entry with this ownership?" (Admits); the read
  path asks "which entries of this month may this identity see?" (Query).

FILTER SHAPES:
  Global          administrators, no restriction
  ByRegion(state) identities scoped to a state
  ByUnit(church)  identities scoped to a church
  ByOwner(user)   everyone else, only their own entries

Filter is a closed set. Both Admits and Query switch over all four shapes, and
an unknown shape admits nothing.
*/
package access

import (
	"fmt"

	"github.com/warp/ledgerlock/ledger"
)

// =============================================================================
// FILTER - Closed sum of visibility shapes
// =============================================================================

type Filter interface {
	fmt.Stringer
	filter()
}

type Global struct{}

type ByRegion struct{ State string }

type ByUnit struct{ Church string }

type ByOwner struct{ UserID string }

func (Global) filter()   {}
func (ByRegion) filter() {}
func (ByUnit) filter()   {}
func (ByOwner) filter()  {}

func (Global) String() string     { return "global" }
func (f ByRegion) String() string { return "region:" + f.State }
func (f ByUnit) String() string   { return "unit:" + f.Church }
func (f ByOwner) String() string  { return "owner:" + f.UserID }

// Resolve maps an identity to its filter. Pure.
func Resolve(id ledger.Identity) Filter {
	switch {
	case id.IsAdmin():
		return Global{}
	case id.Scope == ledger.ScopeState:
		return ByRegion{State: id.State}
	case id.Scope == ledger.ScopeChurch:
		return ByUnit{Church: id.Church}
	default:
		return ByOwner{UserID: id.UserID}
	}
}

// =============================================================================
// WRITE PATH
// =============================================================================

// Admits reports whether an entry with the given ownership is within reach.
func Admits(f Filter, o ledger.Ownership) bool {
	switch f := f.(type) {
	case Global:
		return true
	case ByRegion:
		return f.State != "" && o.State == f.State
	case ByUnit:
		return f.Church != "" && o.Church == f.Church
	case ByOwner:
		return f.UserID != "" && o.OwnerID == f.UserID
	default:
		return false
	}
}

// =============================================================================
// READ PATH
// =============================================================================

// Query builds the entry query for one month under f, narrowed to unit when
// unit is non-empty. Narrowing never widens: a unit outside f yields a query
// that matches nothing.
func Query(f Filter, year, month int, unit string) ledger.EntryQuery {
	q := ledger.EntryQuery{Year: year, Month: month}

	switch f := f.(type) {
	case Global:
	case ByRegion:
		if f.State == "" {
			q.None = true
		}
		q.State = f.State
	case ByUnit:
		if f.Church == "" {
			q.None = true
		}
		q.Church = f.Church
	case ByOwner:
		if f.UserID == "" {
			q.None = true
		}
		q.OwnerID = f.UserID
	default:
		q.None = true
	}

	if unit != "" {
		if q.Church != "" && q.Church != unit {
			q.None = true
		}
		q.Church = unit
	}
	return q
}

// SingleUnit reports whether q is pinned to exactly one church.
func SingleUnit(q ledger.EntryQuery) bool {
	return q.Church != ""
}
