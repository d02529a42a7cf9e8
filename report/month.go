package report

import (
	"context"
	"fmt"

	"github.com/warp/ledgerlock/ledger"
)

// MonthReader is the month state a month view shows next to its entries.
type MonthReader interface {
	IsClosed(ctx context.Context, year, month int) (bool, error)
	Observation(ctx context.Context, year, month int) (ledger.MonthObservation, error)
}

// MonthView is the raw month a caller works on: the entries in scope plus
// the month's lock state and observation.
type MonthView struct {
	Entries     []ledger.Entry
	Closed      bool
	Observation ledger.MonthObservation
}

// MonthView lists the month's entries visible to id, ordered by day, slot,
// then insertion, with the month state. unit narrows like Aggregate.
func (e *Engine) MonthView(ctx context.Context, id ledger.Identity, year, month int, unit string) (MonthView, error) {
	if e.Months == nil {
		return MonthView{}, fmt.Errorf("month view: no month reader configured")
	}
	q, err := e.query(id, year, month, unit)
	if err != nil {
		return MonthView{}, err
	}
	entries, err := e.Store.ListEntries(ctx, q)
	if err != nil {
		return MonthView{}, fmt.Errorf("list entries: %w", err)
	}
	closed, err := e.Months.IsClosed(ctx, year, month)
	if err != nil {
		return MonthView{}, err
	}
	obs, err := e.Months.Observation(ctx, year, month)
	if err != nil {
		return MonthView{}, err
	}
	return MonthView{Entries: entries, Closed: closed, Observation: obs}, nil
}
