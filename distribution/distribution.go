/*
Package distribution splits a lump-sum budget across organizational units.

PURPOSE:
  Given a total for one (fiscal year, fund, account) and the headcount of
  each unit, computes one allocation per unit and writes it to the ledger.

ALGORITHM:
  1. Units with zero headcount get zero and leave the denominator.
  2. amount(u) = truncate(total x headcount(u) / sum(headcount), 2 dp)
  3. remainder = total - sum(amounts) goes to the unit with the largest
     headcount (ties: lowest unit name), so amounts reconcile exactly.

MODES:
  OVERWRITE  Full resplit. Each unit's allocation is replaced by the new
             amount. Refused for a cell whose consumed amount is higher.
  TOP_UP     Adds the amount to whatever is already allocated.
  The mode is always explicit; there is no default.

DRY RUN:
  Returns the plan (with each cell's current allocation) and writes nothing.
*/
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cfms/salary-budget/internal/metrics"
	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/payroll"
)

// Mode selects how computed amounts are applied to existing cells.
type Mode string

const (
	ModeOverwrite Mode = "OVERWRITE"
	ModeTopUp     Mode = "TOP_UP"
)

var (
	ErrInvalidMode  = errors.New("distribution mode must be OVERWRITE or TOP_UP")
	ErrNoHeadcount  = errors.New("no unit has a positive headcount")
	ErrInvalidUnits = errors.New("invalid unit list")
	ErrInvalidTotal = errors.New("total must not be negative")
)

// ParseMode accepts the mode names case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeOverwrite:
		return ModeOverwrite, nil
	case ModeTopUp:
		return ModeTopUp, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// UnitHeadcount is the weighting input for one unit.
type UnitHeadcount struct {
	Unit      string `json:"unit"`
	Headcount int    `json:"headcount"`
}

// Request describes one distribution run.
type Request struct {
	FiscalYear string
	Fund       string
	Account    string
	Total      decimal.Decimal
	Units      []UnitHeadcount
	Mode       Mode
	DryRun     bool
}

// Line is the computed allocation of one unit.
type Line struct {
	Unit      string          `json:"unit"`
	Headcount int             `json:"headcount"`
	Weight    decimal.Decimal `json:"weight"`
	Amount    decimal.Decimal `json:"amount"`
	Previous  decimal.Decimal `json:"previous"`
}

// Result is the outcome of Plan or Distribute.
type Result struct {
	FiscalYear    string          `json:"fiscal_year"`
	Fund          string          `json:"fund"`
	Account       string          `json:"account"`
	Mode          Mode            `json:"mode"`
	DryRun        bool            `json:"dry_run"`
	Total         decimal.Decimal `json:"total"`
	Remainder     decimal.Decimal `json:"remainder"`
	RemainderUnit string          `json:"remainder_unit,omitempty"`
	Lines         []Line          `json:"lines"`
}

// Key returns the ledger key a line is written to.
func (r Result) Key(l Line) ledger.CellKey {
	return ledger.CellKey{Unit: l.Unit, FiscalYear: r.FiscalYear, Fund: r.Fund, Account: r.Account}
}

// Plan computes the per-unit amounts without touching any store.
func Plan(req Request) (Result, error) {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return Result{}, err
	}
	if req.Total.IsNegative() {
		return Result{}, ErrInvalidTotal
	}
	if req.FiscalYear == "" || req.Fund == "" || req.Account == "" {
		return Result{}, fmt.Errorf("%w: fiscal year, fund and account are required", ErrInvalidUnits)
	}

	units := append([]UnitHeadcount(nil), req.Units...)
	sort.Slice(units, func(i, j int) bool { return units[i].Unit < units[j].Unit })

	sum := 0
	for i, u := range units {
		if u.Unit == "" {
			return Result{}, fmt.Errorf("%w: empty unit name", ErrInvalidUnits)
		}
		if i > 0 && units[i-1].Unit == u.Unit {
			return Result{}, fmt.Errorf("%w: unit %q listed twice", ErrInvalidUnits, u.Unit)
		}
		if u.Headcount < 0 {
			return Result{}, fmt.Errorf("%w: unit %q has negative headcount", ErrInvalidUnits, u.Unit)
		}
		sum += u.Headcount
	}
	if sum == 0 {
		return Result{}, ErrNoHeadcount
	}

	res := Result{
		FiscalYear: req.FiscalYear,
		Fund:       req.Fund,
		Account:    req.Account,
		Mode:       mode,
		DryRun:     req.DryRun,
		Total:      req.Total,
		Lines:      make([]Line, 0, len(units)),
	}

	denom := decimal.NewFromInt(int64(sum))
	allocated := decimal.Zero
	largest := -1
	for _, u := range units {
		line := Line{Unit: u.Unit, Headcount: u.Headcount, Weight: decimal.Zero, Amount: decimal.Zero, Previous: decimal.Zero}
		if u.Headcount > 0 {
			hc := decimal.NewFromInt(int64(u.Headcount))
			line.Weight = hc.Div(denom).Round(6)
			line.Amount = req.Total.Mul(hc).Div(denom).Truncate(2)
			allocated = allocated.Add(line.Amount)
			if largest < 0 || u.Headcount > res.Lines[largest].Headcount {
				largest = len(res.Lines)
			}
		}
		res.Lines = append(res.Lines, line)
	}

	res.Remainder = req.Total.Sub(allocated)
	res.RemainderUnit = res.Lines[largest].Unit
	res.Lines[largest].Amount = res.Lines[largest].Amount.Add(res.Remainder)
	return res, nil
}

// =============================================================================
// ENGINE - Applies plans to the ledger
// =============================================================================

// Engine writes distribution results into allocation cells.
type Engine struct {
	ledger  *ledger.Ledger
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{ledger: l, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Distribute plans the split and, unless DryRun is set, applies every line
// in a single transaction.
func (e *Engine) Distribute(ctx context.Context, req Request) (Result, error) {
	res, err := Plan(req)
	if err != nil {
		return Result{}, err
	}

	if req.DryRun {
		for i, line := range res.Lines {
			cell, err := e.ledger.Cell(ctx, res.Key(line))
			if err != nil && !errors.Is(err, ledger.ErrCellNotFound) {
				return Result{}, err
			}
			if err == nil {
				res.Lines[i].Previous = cell.Allocated
			}
		}
		e.metrics.ObserveDistribution(string(res.Mode), true)
		return res, nil
	}

	err = e.ledger.WithTx(ctx, func(tx *ledger.Tx) error {
		for i, line := range res.Lines {
			prev, err := e.apply(ctx, tx, res.Key(line), line.Amount, res.Mode)
			if err != nil {
				return err
			}
			res.Lines[i].Previous = prev
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	e.metrics.ObserveDistribution(string(res.Mode), false)
	e.log.Info().
		Str("fiscal_year", req.FiscalYear).
		Str("fund", req.Fund).
		Str("account", req.Account).
		Str("mode", string(res.Mode)).
		Str("total", req.Total.String()).
		Int("units", len(res.Lines)).
		Msg("budget distributed")
	return res, nil
}

// apply writes one line and returns the allocation it replaced or topped up.
// A zero amount never creates a cell.
func (e *Engine) apply(ctx context.Context, tx *ledger.Tx, key ledger.CellKey, amount decimal.Decimal, mode Mode) (decimal.Decimal, error) {
	if amount.IsZero() {
		cell, err := tx.Lock(ctx, key)
		if errors.Is(err, ledger.ErrCellNotFound) {
			return decimal.Zero, nil
		}
		if err != nil {
			return decimal.Zero, err
		}
		if mode == ModeTopUp {
			return cell.Allocated, nil
		}
		_, err = tx.SetAllocated(ctx, key, amount)
		return cell.Allocated, err
	}

	cell, err := tx.GetOrCreate(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if mode == ModeOverwrite {
		_, err = tx.SetAllocated(ctx, key, amount)
	} else {
		_, err = tx.Allocate(ctx, key, amount)
	}
	return cell.Allocated, err
}

// HeadcountByUnit counts filled (non-vacant) positions per unit.
func HeadcountByUnit(employees []payroll.Employee) []UnitHeadcount {
	counts := make(map[string]int)
	for _, emp := range employees {
		if emp.Unit == "" {
			continue
		}
		if _, ok := counts[emp.Unit]; !ok {
			counts[emp.Unit] = 0
		}
		if !emp.Vacant {
			counts[emp.Unit]++
		}
	}
	out := make([]UnitHeadcount, 0, len(counts))
	for unit, n := range counts {
		out = append(out, UnitHeadcount{Unit: unit, Headcount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}
