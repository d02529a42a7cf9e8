/*
Package report aggregates a month of entries by (day, time slot).

GROUPING:
  Rows are keyed by (day, time slot) and ordered by day, then slot. The
  church is not part of the key.

  Merged mode (no single church in view): entries of several churches at the
  same (day, slot) collapse into one row. Value and TotalValue both carry the
  sum; Churches lists each contributor in the order the store returned them;
  ChurchCount is the number of distinct churches.

  Single-unit mode (the query is pinned to one church, by the caller's unit
  filter or by a church-scoped identity): one row per (day, slot) with
  ChurchID and Church set and no Churches list.

SCOPE:
  The caller's visibility filter is intersected with the unit filter. The
  unit filter only narrows; asking for a church outside one's scope yields
  an empty result, not an error.

PRECISION:
  Sums use decimal arithmetic. Consistent() allows 0.01 between Value and
  TotalValue for rows that crossed a float boundary on the way in.
*/
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledgerlock/access"
	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/metrics"
)

// Tolerance is the largest difference Consistent accepts.
var Tolerance = decimal.New(1, -2)

// ChurchValue is one church's contribution to a merged row.
type ChurchValue struct {
	ChurchID   string
	ChurchName string
	Value      decimal.Decimal
}

// GroupedEntry is one aggregation row.
type GroupedEntry struct {
	Day        int
	TimeSlot   ledger.TimeSlot
	Value      decimal.Decimal
	TotalValue decimal.Decimal

	// Merged mode only.
	Churches    []ChurchValue
	ChurchCount int

	// Single-unit mode only.
	ChurchID string
	Church   string
}

// Consistent reports whether Value and TotalValue agree within Tolerance.
func (g GroupedEntry) Consistent() bool {
	return g.Value.Sub(g.TotalValue).Abs().LessThanOrEqual(Tolerance)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store ledger.EntryStore
	// Months backs MonthView.
	Months  MonthReader
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(store ledger.EntryStore) *Engine {
	return &Engine{Store: store}
}

// Aggregate groups the month's entries visible to id. unit, when non-empty,
// narrows the result to one church.
func (e *Engine) Aggregate(ctx context.Context, id ledger.Identity, year, month int, unit string) ([]GroupedEntry, error) {
	start := time.Now()

	q, err := e.query(id, year, month, unit)
	if err != nil {
		return nil, err
	}
	entries, err := e.Store.ListEntries(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	var rows []GroupedEntry
	mode := "merged"
	if access.SingleUnit(q) {
		mode = "single_unit"
		rows = singleUnit(entries)
	} else {
		rows = merge(entries)
	}

	e.Metrics.ObserveAggregateLatency(mode, time.Since(start))
	ledger.OrDiscard(e.Logger).DebugContext(ctx, "aggregate",
		"user_id", id.UserID,
		"month_id", ledger.MonthID(year, month),
		"mode", mode,
		"entries", len(entries),
		"rows", len(rows),
	)
	return rows, nil
}

func (e *Engine) query(id ledger.Identity, year, month int, unit string) (ledger.EntryQuery, error) {
	if err := ledger.ValidateMonth(year, month); err != nil {
		return ledger.EntryQuery{}, err
	}
	return access.Query(access.Resolve(id), year, month, unit), nil
}

// singleUnit emits one row per entry. Entries arrive ordered by (day, slot)
// and a single church holds at most one entry per (day, slot).
func singleUnit(entries []ledger.Entry) []GroupedEntry {
	rows := make([]GroupedEntry, 0, len(entries))
	for _, en := range entries {
		rows = append(rows, GroupedEntry{
			Day:         en.Key.Day,
			TimeSlot:    en.Key.TimeSlot,
			Value:       en.Value,
			TotalValue:  en.Value,
			ChurchCount: 1,
			ChurchID:    en.Key.Church,
			Church:      churchName(en),
		})
	}
	return rows
}

// merge collapses entries sharing (day, slot). Entries arrive ordered by
// (day, slot), so each group is contiguous.
func merge(entries []ledger.Entry) []GroupedEntry {
	var rows []GroupedEntry
	var seen map[string]bool

	for _, en := range entries {
		n := len(rows)
		if n == 0 || rows[n-1].Day != en.Key.Day || rows[n-1].TimeSlot != en.Key.TimeSlot {
			rows = append(rows, GroupedEntry{
				Day:        en.Key.Day,
				TimeSlot:   en.Key.TimeSlot,
				Value:      decimal.Zero,
				TotalValue: decimal.Zero,
			})
			seen = make(map[string]bool)
			n++
		}
		row := &rows[n-1]
		row.Value = row.Value.Add(en.Value)
		row.TotalValue = row.Value
		row.Churches = append(row.Churches, ChurchValue{
			ChurchID:   en.Key.Church,
			ChurchName: churchName(en),
			Value:      en.Value,
		})
		if !seen[en.Key.Church] {
			seen[en.Key.Church] = true
			row.ChurchCount++
		}
	}
	return rows
}

func churchName(en ledger.Entry) string {
	if en.ChurchName != "" {
		return en.ChurchName
	}
	return en.Key.Church
}
