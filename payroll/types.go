/*
Package payroll computes monthly compensation for government employees.

PURPOSE:
  Turns an employee record plus immutable pay rules (grade scales, relief
  allowance table, account mapping) into an itemized monthly breakdown.
  Everything in this package is a pure function of its inputs: no storage,
  no clocks, no globals.

KEY CONCEPTS:
  - GradeScale:   Per-grade basic pay bounds and fixed slabs
  - ReliefTable:  Year x band percentage table for relief allowances
  - Compositor:   Builds a Breakdown for one employee
  - Component:    One line of a breakdown, mapped to a budget account

EXAMPLE:
  rules := payroll.DefaultRules()
  comp := payroll.NewCompositor(rules)
  b, err := comp.Compose(emp)
  // b.MonthlyGross == sum of b.Components()

SEE ALSO:
  - relief.go: Relief allowance calculator
  - breakdown.go: Salary compositor
  - factory/rules.go: Loading rules from YAML
*/
package payroll

import "github.com/shopspring/decimal"

// CityCategory selects the housing slab column.
type CityCategory string

const (
	CityLarge CityCategory = "LARGE"
	CityOther CityCategory = "OTHER"
)

// Employee is the input to every calculation in this package.
// RunningBasic is maintained externally and never derived here.
type Employee struct {
	ID           string
	Name         string
	Grade        int
	RunningBasic decimal.Decimal
	City         CityCategory

	// Housing eligibility. Either flag zeroes the housing slab.
	GovtAccommodation bool
	HouseHiring       bool

	// FrozenRelief is the base-year relief amount carried from an earlier
	// pay cycle. Invalid (or zero) means it has to be derived.
	FrozenRelief         decimal.NullDecimal
	ReliefAutoCalculated bool

	Disparity           decimal.Decimal
	Unit                string
	ExpectedIncreasePct decimal.Decimal
	Vacant              bool
}

// WithReliefFlag returns a copy of the employee with ReliefAutoCalculated set
// to auto, and whether that changed anything. Callers persist the employee
// only when changed is true.
func (e Employee) WithReliefFlag(auto bool) (Employee, bool) {
	if !auto || e.ReliefAutoCalculated {
		return e, false
	}
	e.ReliefAutoCalculated = true
	return e, true
}

// =============================================================================
// RULES - Immutable pay configuration
// =============================================================================

// Rules bundles every piece of configuration the calculators read.
// A Rules value is built once at startup and shared read-only.
type Rules struct {
	Scales   *ScaleTable
	Relief   ReliefTable
	Accounts AccountMap
}

// DefaultRules returns the compiled-in BPS-2024 rules.
func DefaultRules() Rules {
	scales, err := NewScaleTable(DefaultScales())
	if err != nil {
		panic(err)
	}
	return Rules{
		Scales:   scales,
		Relief:   DefaultReliefTable(),
		Accounts: DefaultAccountMap(),
	}
}

// Validate checks that the rules are internally consistent.
func (r Rules) Validate() error {
	if r.Scales == nil || len(r.Scales.grades) == 0 {
		return ErrEmptyScaleTable
	}
	if err := r.Relief.Validate(); err != nil {
		return err
	}
	return r.Accounts.Validate(r.Relief)
}
