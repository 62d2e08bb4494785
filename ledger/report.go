package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultAlertThreshold is the utilization percentage at which a cell is
// reported as close to exhaustion.
var DefaultAlertThreshold = decimal.NewFromInt(90)

// StatusRow is one line of the budget status report.
type StatusRow struct {
	Key         CellKey         `json:"key"`
	Allocated   decimal.Decimal `json:"allocated"`
	Consumed    decimal.Decimal `json:"consumed"`
	Available   decimal.Decimal `json:"available"`
	Utilization decimal.Decimal `json:"utilization"`
}

// StatusOf derives the status row of one cell.
func StatusOf(c Cell) StatusRow {
	return StatusRow{
		Key:         c.Key,
		Allocated:   c.Allocated,
		Consumed:    c.Consumed,
		Available:   c.Available(),
		Utilization: c.Utilization(),
	}
}

// Status returns every cell of a fiscal year (optionally one unit), ordered
// by unit then account.
func (l *Ledger) Status(ctx context.Context, fiscalYear, unit string) ([]StatusRow, error) {
	cells, err := l.store.ListCells(ctx, CellFilter{FiscalYear: fiscalYear, Unit: unit})
	if err != nil {
		return nil, err
	}
	rows := make([]StatusRow, 0, len(cells))
	for _, c := range cells {
		rows = append(rows, StatusOf(c))
	}
	return rows, nil
}

// Alerts returns cells whose utilization is at or above threshold, highest
// utilization first.
func (l *Ledger) Alerts(ctx context.Context, fiscalYear string, threshold decimal.Decimal) ([]StatusRow, error) {
	rows, err := l.Status(ctx, fiscalYear, "")
	if err != nil {
		return nil, err
	}
	var alerts []StatusRow
	for _, r := range rows {
		if r.Utilization.GreaterThanOrEqual(threshold) && r.Allocated.IsPositive() {
			alerts = append(alerts, r)
		}
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Utilization.GreaterThan(alerts[j].Utilization)
	})
	return alerts, nil
}
