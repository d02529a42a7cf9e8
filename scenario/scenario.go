/*
Package scenario loads demo data through the ledger services.

PURPOSE:
  Populates a store with realistic churches and entries for demos and manual
  testing. Every write goes through the same services the API uses, so the
  gate, month lock and unlock workflow are exercised while seeding.

AVAILABLE SCENARIOS:
  open-month:    five churches in two states, a month of entries
  closed-month:  open-month, then closed, with a pending unlock request
  active-grant:  closed-month, with the request approved for one hour

HOW SCENARIOS WORK:
 1. Save the church directory
 2. Save entries as each church's pastor
 3. Optionally close the month as the administrator
 4. Optionally file and decide unlock requests

USAGE:
  ledgerlock seed --scenario closed-month --year 2025 --month 6

NOTE:
  Scenarios do not reset the store. Loading twice overwrites entry values and
  fails on the second pending unlock request.
*/
package scenario

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/ledgerlock/app"
	"github.com/warp/ledgerlock/gate"
	"github.com/warp/ledgerlock/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type Scenario struct {
	ID          string
	Name        string
	Description string
}

var scenarios = []Scenario{
	{
		ID:          "open-month",
		Name:        "Open Month",
		Description: "Five churches in SP and RJ with a month of entries",
	},
	{
		ID:          "closed-month",
		Name:        "Closed Month",
		Description: "Open month, closed by the administrator, one pending unlock request",
	},
	{
		ID:          "active-grant",
		Name:        "Active Grant",
		Description: "Closed month with the pending request approved for 60 minutes",
	},
}

// List returns the available scenarios.
func List() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// UnitWriter saves churches to the directory.
type UnitWriter interface {
	SaveUnit(ctx context.Context, unit ledger.Unit) error
}

// Admin is the identity scenarios use for administrative steps.
var Admin = ledger.Identity{UserID: "seed-admin", Role: ledger.RoleMaster}

var units = []ledger.Unit{
	{ID: "sp-central", Name: "Central", State: "SP"},
	{ID: "sp-norte", Name: "Zona Norte", State: "SP"},
	{ID: "sp-campinas", Name: "Campinas", State: "SP"},
	{ID: "rj-centro", Name: "Centro", State: "RJ"},
	{ID: "rj-niteroi", Name: "Niteroi", State: "RJ"},
}

// Pastor returns the church-scoped identity that owns a seeded church.
func Pastor(church string) ledger.Identity {
	return ledger.Identity{UserID: "pastor-" + church, Role: "pastor", Scope: ledger.ScopeChurch, Church: church}
}

// Result summarizes what a load wrote.
type Result struct {
	Scenario string
	Units    int
	Entries  int
	Unlock   *ledger.UnlockRequest
}

// Load runs the named scenario for the given month.
func Load(ctx context.Context, id string, a *app.App, dir UnitWriter, year, month int) (Result, error) {
	if err := ledger.ValidateMonth(year, month); err != nil {
		return Result{}, err
	}
	res := Result{Scenario: id}

	switch id {
	case "open-month":
		return res, loadOpenMonth(ctx, a, dir, year, month, &res)
	case "closed-month":
		return res, loadClosedMonth(ctx, a, dir, year, month, &res)
	case "active-grant":
		if err := loadClosedMonth(ctx, a, dir, year, month, &res); err != nil {
			return res, err
		}
		approval, err := a.Unlocks.Approve(ctx, Admin, res.Unlock.ID, 60)
		if err != nil {
			return res, fmt.Errorf("approve unlock request: %w", err)
		}
		res.Unlock = &approval.Request
		return res, nil
	}
	return res, fmt.Errorf("unknown scenario %q", id)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadOpenMonth(ctx context.Context, a *app.App, dir UnitWriter, year, month int, res *Result) error {
	for _, u := range units {
		if err := dir.SaveUnit(ctx, u); err != nil {
			return fmt.Errorf("save unit %s: %w", u.ID, err)
		}
		res.Units++
	}

	// Sunday-like pattern: every seventh day has all slots, other days the
	// evening slot only. Values vary per church so merged rows differ.
	days := ledger.DaysIn(year, month)
	for i, u := range units {
		pastor := Pastor(u.ID)
		for day := 1; day <= days; day++ {
			slots := []ledger.TimeSlot{ledger.Slot1930}
			if day%7 == 1 {
				slots = ledger.TimeSlots
			}
			for j, slot := range slots {
				cents := int64(10000 + 1375*i + 250*j + 17*day)
				_, _, err := a.Entries.Save(ctx, pastor, gate.EntryInput{
					Key:   ledger.EntryKey{Year: year, Month: month, Day: day, TimeSlot: slot, Church: u.ID},
					Value: decimal.New(cents, -2),
				})
				if err != nil {
					return fmt.Errorf("save entry for %s: %w", u.ID, err)
				}
				res.Entries++
			}
		}
	}
	return nil
}

func loadClosedMonth(ctx context.Context, a *app.App, dir UnitWriter, year, month int, res *Result) error {
	if err := loadOpenMonth(ctx, a, dir, year, month, res); err != nil {
		return err
	}
	if _, err := a.Months.Close(ctx, Admin, year, month); err != nil {
		return fmt.Errorf("close month: %w", err)
	}

	target := ledger.EntryKey{Year: year, Month: month, Day: 1, TimeSlot: ledger.Slot1930, Church: units[0].ID}
	req, err := a.Unlocks.Request(ctx, Pastor(units[0].ID), target, "Offering recounted after the evening service")
	if err != nil {
		return fmt.Errorf("file unlock request: %w", err)
	}
	res.Unlock = &req
	return nil
}
