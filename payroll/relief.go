/*
relief.go - Relief allowance (ARA) calculator

PURPOSE:
  Computes the year-indexed relief allowance for one employee. Each modeled
  year contributes one item; the total is their sum.

RULES:
  Base year:    FrozenRelief when present and > 0, otherwise
                BaseRate x MinBasic of the grade (auto-calculated).
  Later years:  RunningBasic x rate(year, band). Band is "low" below
                BandThreshold and "high" at or above it. A year with a
                flat rate applies it to every grade.

PURITY:
  The calculator never mutates the employee. The base-year item reports
  AutoCalculated and the caller decides whether to persist the flag
  (see Employee.WithReliefFlag).

SHIPPED TABLE:
  2022  base, 15% of min basic unless frozen
  2023  35% low / 30% high
  2024  25% low / 20% high
  2025  10% flat
*/
package payroll

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ReliefYear is one row of the percentage table. Either Flat is set, or both
// Low and High are.
type ReliefYear struct {
	Year int
	Low  decimal.NullDecimal
	High decimal.NullDecimal
	Flat decimal.NullDecimal
}

// ReliefTable is the immutable year x band configuration.
type ReliefTable struct {
	BaseYear      int
	BaseRate      decimal.Decimal
	BandThreshold int
	Years         []ReliefYear
}

func rate(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

// DefaultReliefTable returns the shipped 2022-2025 table.
func DefaultReliefTable() ReliefTable {
	return ReliefTable{
		BaseYear:      2022,
		BaseRate:      decimal.RequireFromString("0.15"),
		BandThreshold: 17,
		Years: []ReliefYear{
			{Year: 2023, Low: rate("0.35"), High: rate("0.30")},
			{Year: 2024, Low: rate("0.25"), High: rate("0.20")},
			{Year: 2025, Flat: rate("0.10")},
		},
	}
}

// Validate fails fast on a table the calculator cannot use.
func (t ReliefTable) Validate() error {
	if t.BaseYear <= 0 {
		return fmt.Errorf("%w: relief base year missing", ErrInvalidRules)
	}
	if !t.BaseRate.IsPositive() || t.BaseRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: relief base rate %s not in (0, 1]", ErrInvalidRules, t.BaseRate)
	}
	if t.BandThreshold <= 0 {
		return fmt.Errorf("%w: relief band threshold missing", ErrInvalidRules)
	}
	prev := t.BaseYear
	var prevLow, prevHigh decimal.NullDecimal
	for _, y := range t.Years {
		if y.Year <= prev {
			return fmt.Errorf("%w: relief year %d out of order", ErrInvalidRules, y.Year)
		}
		prev = y.Year

		low, high := y.Low, y.High
		if y.Flat.Valid {
			if err := checkRate(y.Year, "flat", y.Flat.Decimal); err != nil {
				return err
			}
			low, high = y.Flat, y.Flat
		} else {
			if !low.Valid || !high.Valid {
				return fmt.Errorf("%w: relief year %d needs both bands or a flat rate", ErrInvalidRules, y.Year)
			}
			if err := checkRate(y.Year, "low", low.Decimal); err != nil {
				return err
			}
			if err := checkRate(y.Year, "high", high.Decimal); err != nil {
				return err
			}
			if low.Decimal.LessThan(high.Decimal) {
				return fmt.Errorf("%w: relief %d low rate %s below high rate %s", ErrInvalidRules, y.Year, low.Decimal, high.Decimal)
			}
		}

		// Each band's rate strictly decreases from one modeled year to the next.
		if prevLow.Valid && !low.Decimal.LessThan(prevLow.Decimal) {
			return fmt.Errorf("%w: relief %d low rate %s not below %s", ErrInvalidRules, y.Year, low.Decimal, prevLow.Decimal)
		}
		if prevHigh.Valid && !high.Decimal.LessThan(prevHigh.Decimal) {
			return fmt.Errorf("%w: relief %d high rate %s not below %s", ErrInvalidRules, y.Year, high.Decimal, prevHigh.Decimal)
		}
		prevLow, prevHigh = low, high
	}
	return nil
}

func checkRate(year int, band string, r decimal.Decimal) error {
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: relief %s rate %s for %d not in [0, 1]", ErrInvalidRules, band, r, year)
	}
	return nil
}

// ModeledYears returns the base year followed by every table year.
func (t ReliefTable) ModeledYears() []int {
	years := make([]int, 0, len(t.Years)+1)
	years = append(years, t.BaseYear)
	for _, y := range t.Years {
		years = append(years, y.Year)
	}
	return years
}

// RateFor returns the percentage (as a fraction) for a later year and grade.
func (t ReliefTable) RateFor(year, grade int) (decimal.Decimal, error) {
	for _, y := range t.Years {
		if y.Year != year {
			continue
		}
		switch {
		case y.Flat.Valid:
			return y.Flat.Decimal, nil
		case grade >= t.BandThreshold && y.High.Valid:
			return y.High.Decimal, nil
		case grade < t.BandThreshold && y.Low.Valid:
			return y.Low.Decimal, nil
		}
		break
	}
	return decimal.Zero, &InvalidGradeBandError{Grade: grade, Year: year}
}

// =============================================================================
// CALCULATOR
// =============================================================================

// ReliefItem is the relief allowance for one year.
type ReliefItem struct {
	Year           int
	Amount         decimal.Decimal
	AutoCalculated bool
}

// Relief is the itemized relief allowance across all modeled years.
type Relief struct {
	Items          []ReliefItem
	Total          decimal.Decimal
	AutoCalculated bool
}

// ComputeReliefYear returns the relief allowance for a single year.
func ComputeReliefYear(rules Rules, emp Employee, year int) (ReliefItem, error) {
	scale, err := rules.Scales.Lookup(emp.Grade)
	if err != nil {
		return ReliefItem{}, err
	}

	if year == rules.Relief.BaseYear {
		if emp.FrozenRelief.Valid && emp.FrozenRelief.Decimal.IsPositive() {
			return ReliefItem{Year: year, Amount: emp.FrozenRelief.Decimal}, nil
		}
		amount := rules.Relief.BaseRate.Mul(scale.MinBasic).RoundBank(2)
		return ReliefItem{Year: year, Amount: amount, AutoCalculated: true}, nil
	}

	r, err := rules.Relief.RateFor(year, emp.Grade)
	if err != nil {
		return ReliefItem{}, err
	}
	return ReliefItem{Year: year, Amount: emp.RunningBasic.Mul(r).RoundBank(2)}, nil
}

// ComputeReliefTotal sums ComputeReliefYear over every modeled year.
func ComputeReliefTotal(rules Rules, emp Employee) (Relief, error) {
	relief := Relief{Total: decimal.Zero}
	for _, year := range rules.Relief.ModeledYears() {
		item, err := ComputeReliefYear(rules, emp, year)
		if err != nil {
			return Relief{}, err
		}
		relief.Items = append(relief.Items, item)
		relief.Total = relief.Total.Add(item.Amount)
		if item.AutoCalculated {
			relief.AutoCalculated = true
		}
	}
	return relief, nil
}
