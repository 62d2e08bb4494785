package payroll

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ProjectedBasic applies the employee's expected increase to the running basic.
func ProjectedBasic(emp Employee) decimal.Decimal {
	if !emp.ExpectedIncreasePct.IsPositive() {
		return emp.RunningBasic
	}
	factor := decimal.NewFromInt(1).Add(emp.ExpectedIncreasePct.Div(hundred))
	return emp.RunningBasic.Mul(factor).RoundBank(2)
}

// Project composes the breakdown the employee would have after the expected
// increase. Only the basic-dependent relief years move; the base-year amount
// and the fixed slabs stay as they are.
func (c *Compositor) Project(emp Employee) (Breakdown, error) {
	projected := emp
	projected.RunningBasic = ProjectedBasic(emp)
	return c.Compose(projected)
}
