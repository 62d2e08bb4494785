package payroll

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// monthsPerYear converts monthly gross into annual cost.
var monthsPerYear = decimal.NewFromInt(12)

// Component is one itemized line of a breakdown.
type Component struct {
	Key    string
	Year   int // relief components only
	Amount decimal.Decimal
}

// Breakdown is the full monthly compensation of one employee.
type Breakdown struct {
	EmployeeID   string
	Grade        int
	RunningBasic decimal.Decimal
	Housing      decimal.Decimal
	Conveyance   decimal.Decimal
	Medical      decimal.Decimal
	Relief       Relief
	Disparity    decimal.Decimal
	MonthlyGross decimal.Decimal
	AnnualCost   decimal.Decimal
}

// Components lists every line in a stable order: basic, housing, conveyance,
// medical, relief by year, disparity.
func (b Breakdown) Components() []Component {
	out := []Component{
		{Key: KeyBasic, Amount: b.RunningBasic},
		{Key: KeyHousing, Amount: b.Housing},
		{Key: KeyConveyance, Amount: b.Conveyance},
		{Key: KeyMedical, Amount: b.Medical},
	}
	for _, item := range b.Relief.Items {
		out = append(out, Component{Key: ReliefKey(item.Year), Year: item.Year, Amount: item.Amount})
	}
	return append(out, Component{Key: KeyDisparity, Amount: b.Disparity})
}

// Compositor builds breakdowns from a fixed set of rules.
type Compositor struct {
	rules Rules
}

func NewCompositor(rules Rules) *Compositor {
	return &Compositor{rules: rules}
}

// Rules returns the rules the compositor was built with.
func (c *Compositor) Rules() Rules {
	return c.rules
}

// Compose returns the itemized monthly breakdown for emp. An unknown grade
// aborts the whole composition.
func (c *Compositor) Compose(emp Employee) (Breakdown, error) {
	scale, err := c.rules.Scales.Lookup(emp.Grade)
	if err != nil {
		return Breakdown{}, err
	}
	relief, err := ComputeReliefTotal(c.rules, emp)
	if err != nil {
		return Breakdown{}, err
	}

	b := Breakdown{
		EmployeeID:   emp.ID,
		Grade:        emp.Grade,
		RunningBasic: emp.RunningBasic,
		Housing:      scale.HousingFor(emp.City, emp.GovtAccommodation, emp.HouseHiring),
		Conveyance:   scale.Conveyance,
		Medical:      scale.Medical,
		Relief:       relief,
		Disparity:    emp.Disparity,
	}

	gross := decimal.Zero
	for _, comp := range b.Components() {
		gross = gross.Add(comp.Amount)
	}
	b.MonthlyGross = gross
	b.AnnualCost = gross.Mul(monthsPerYear)
	return b, nil
}

// ValidateEmployee checks input-time invariants: the grade exists, the
// running basic lies within its bounds, disparity is not negative and the
// expected increase is a percentage in [0, 100].
func (c *Compositor) ValidateEmployee(emp Employee) error {
	if emp.Disparity.IsNegative() {
		return fmt.Errorf("%w: disparity %s for employee %s is negative", ErrInvalidEmployee, emp.Disparity, emp.ID)
	}
	if emp.ExpectedIncreasePct.IsNegative() || emp.ExpectedIncreasePct.GreaterThan(hundred) {
		return fmt.Errorf("%w: expected increase %s%% for employee %s not in [0, 100]", ErrInvalidEmployee, emp.ExpectedIncreasePct, emp.ID)
	}

	scale, err := c.rules.Scales.Lookup(emp.Grade)
	if err != nil {
		return err
	}
	if !scale.Contains(emp.RunningBasic) {
		return &RunningBasicError{
			EmployeeID: emp.ID,
			Grade:      emp.Grade,
			Basic:      emp.RunningBasic,
			Min:        scale.MinBasic,
			Max:        scale.MaxBasic,
		}
	}
	return nil
}
