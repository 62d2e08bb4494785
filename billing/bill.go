/*
Package billing validates salary bills against budget allocations and
consumes them atomically.

PURPOSE:
  A bill lists employees with their unit and fiscal year. Each employee's
  breakdown is split into components, every component is mapped to an
  account, and amounts are summed per (unit, account). Each group must fit
  in the available balance of its allocation cell.

OPERATIONS:
  Validate:  Read-only. Returns every shortfall as data.
  Consume:   One transaction. Locks the bill's cells in key order, re-reads
             them, and either deducts every group or nothing.
  Release:   One transaction. Returns every active entry of the bill to its
             cell and marks it reversed. A second call is a no-op.

MISSING CELLS:
  MissingCellZero (default) treats a group without a cell as having zero
  available, so it shows up as a shortfall. MissingCellStrict fails the
  whole call with *ledger.UnknownAllocationCellError.

SEE ALSO:
  - ledger/: Allocation cells and consumption entries
  - payroll/: Breakdown composition and account mapping
*/
package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/payroll"
)

// =============================================================================
// BILL
// =============================================================================

// Line is one employee on a bill. Unit and FiscalYear default to the
// employee's unit and the bill's fiscal year.
type Line struct {
	Employee   payroll.Employee
	Unit       string
	FiscalYear string
}

// Bill is supplied by the workflow layer. Its status is never touched here.
type Bill struct {
	ID         string
	FiscalYear string
	Fund       string
	Lines      []Line
}

var (
	ErrInvalidBill         = errors.New("invalid bill")
	ErrBillAlreadyConsumed = errors.New("bill already consumed")
	ErrUnmappedComponent   = errors.New("component has no account")
)

func (b Bill) validate() error {
	switch {
	case strings.TrimSpace(b.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidBill)
	case b.Fund == "":
		return fmt.Errorf("%w: missing fund", ErrInvalidBill)
	case len(b.Lines) == 0:
		return fmt.Errorf("%w: no employees", ErrInvalidBill)
	}
	for i, l := range b.Lines {
		if l.unit() == "" {
			return fmt.Errorf("%w: line %d (%s) has no unit", ErrInvalidBill, i, l.Employee.ID)
		}
		if l.fiscalYear(b) == "" {
			return fmt.Errorf("%w: line %d (%s) has no fiscal year", ErrInvalidBill, i, l.Employee.ID)
		}
	}
	return nil
}

func (l Line) unit() string {
	if l.Unit != "" {
		return l.Unit
	}
	return l.Employee.Unit
}

func (l Line) fiscalYear(b Bill) string {
	if l.FiscalYear != "" {
		return l.FiscalYear
	}
	return b.FiscalYear
}

// =============================================================================
// GROUPS
// =============================================================================

// Group is the summed requirement of one allocation cell.
type Group struct {
	Key           ledger.CellKey  `json:"key"`
	Amount        decimal.Decimal `json:"amount"`
	EmployeeCount int             `json:"employee_count"`
}

// aggregation is the pure part shared by Validate and Consume.
type aggregation struct {
	groups         []Group
	autoCalculated []string
}

// aggregate composes every employee and sums component amounts per cell.
// Zero components do not form groups.
func aggregate(comp *payroll.Compositor, b Bill) (aggregation, error) {
	if err := b.validate(); err != nil {
		return aggregation{}, err
	}
	accounts := comp.Rules().Accounts

	type acc struct {
		amount    decimal.Decimal
		employees map[string]struct{}
	}
	byKey := make(map[ledger.CellKey]*acc)
	var auto []string
	seenAuto := make(map[string]bool)

	for _, line := range b.Lines {
		breakdown, err := comp.Compose(line.Employee)
		if err != nil {
			return aggregation{}, fmt.Errorf("employee %s: %w", line.Employee.ID, err)
		}
		if breakdown.Relief.AutoCalculated && !line.Employee.ReliefAutoCalculated && !seenAuto[line.Employee.ID] {
			seenAuto[line.Employee.ID] = true
			auto = append(auto, line.Employee.ID)
		}

		for _, c := range breakdown.Components() {
			if c.Amount.IsZero() {
				continue
			}
			account, ok := accounts.AccountFor(c.Key)
			if !ok {
				return aggregation{}, fmt.Errorf("%w: %s", ErrUnmappedComponent, c.Key)
			}
			key := ledger.CellKey{
				Unit:       line.unit(),
				FiscalYear: line.fiscalYear(b),
				Fund:       b.Fund,
				Account:    account,
			}
			a, ok := byKey[key]
			if !ok {
				a = &acc{amount: decimal.Zero, employees: make(map[string]struct{})}
				byKey[key] = a
			}
			a.amount = a.amount.Add(c.Amount)
			a.employees[line.Employee.ID] = struct{}{}
		}
	}

	groups := make([]Group, 0, len(byKey))
	for key, a := range byKey {
		groups = append(groups, Group{Key: key, Amount: a.amount, EmployeeCount: len(a.employees)})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key.Less(groups[j].Key) })
	sort.Strings(auto)
	return aggregation{groups: groups, autoCalculated: auto}, nil
}

// sortShortfalls orders by unit then account.
func sortShortfalls(s []ledger.Shortfall) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Unit != s[j].Unit {
			return s[i].Unit < s[j].Unit
		}
		return s[i].Account < s[j].Account
	})
}
