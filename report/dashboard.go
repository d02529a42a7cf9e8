package report

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/ledgerlock/ledger"
)

// DayTotal is the sum of one day.
type DayTotal struct {
	Day   int
	Total decimal.Decimal
}

// SlotTotal is the sum of one time slot across the month.
type SlotTotal struct {
	TimeSlot ledger.TimeSlot
	Total    decimal.Decimal
}

// Dashboard summarizes a month under the same filters as Aggregate.
type Dashboard struct {
	// DailyData lists days that have entries, in day order.
	DailyData []DayTotal
	// TimeSlotData lists every time slot in slot order, zero when empty.
	TimeSlotData []SlotTotal
	Total        decimal.Decimal
	// Average is Total / EntryCount, rounded to cents; zero with no entries.
	Average    decimal.Decimal
	EntryCount int
}

// Dashboard computes the month summary visible to id.
func (e *Engine) Dashboard(ctx context.Context, id ledger.Identity, year, month int, unit string) (Dashboard, error) {
	q, err := e.query(id, year, month, unit)
	if err != nil {
		return Dashboard{}, err
	}
	entries, err := e.Store.ListEntries(ctx, q)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list entries: %w", err)
	}

	slotTotals := make(map[ledger.TimeSlot]decimal.Decimal, len(ledger.TimeSlots))
	d := Dashboard{Total: decimal.Zero, Average: decimal.Zero, EntryCount: len(entries)}

	for _, en := range entries {
		d.Total = d.Total.Add(en.Value)
		slotTotals[en.Key.TimeSlot] = slotTotals[en.Key.TimeSlot].Add(en.Value)

		n := len(d.DailyData)
		if n == 0 || d.DailyData[n-1].Day != en.Key.Day {
			d.DailyData = append(d.DailyData, DayTotal{Day: en.Key.Day, Total: decimal.Zero})
			n++
		}
		d.DailyData[n-1].Total = d.DailyData[n-1].Total.Add(en.Value)
	}

	for _, slot := range ledger.TimeSlots {
		d.TimeSlotData = append(d.TimeSlotData, SlotTotal{TimeSlot: slot, Total: slotTotals[slot]})
	}
	if d.EntryCount > 0 {
		d.Average = d.Total.Div(decimal.NewFromInt(int64(d.EntryCount))).Round(2)
	}
	return d, nil
}
