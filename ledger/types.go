/*
Package ledger tracks budget allocations and their consumption.

PURPOSE:
  An allocation cell holds the allocated and consumed amounts for one
  (unit, fiscal year, fund, account) combination. Salary bills consume
  from cells; cancelled bills release back into them. Every consumption
  leaves a ConsumptionEntry so the trail can be audited and reversed.

CRITICAL INVARIANTS:
  1. consumed <= allocated after every successful mutation
  2. Consumption and its entry are written in the same transaction
  3. Entries are never deleted, only marked reversed

CONCURRENCY:
  Every mutation runs inside TxStore.WithTx. The cell is locked for the
  life of the transaction (LockCell), and writes go through UpdateCell,
  which compares the version read under the lock. A lost update would
  approve spending past the limit, so both guards are always applied.

SEE ALSO:
  - store.go: Persistence interfaces
  - ledger.go: Ledger service
  - billing/: Bill validation and consumption built on this package
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CELL KEY
// =============================================================================

// CellKey uniquely identifies an allocation cell.
type CellKey struct {
	Unit       string
	FiscalYear string
	Fund       string
	Account    string
}

func (k CellKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Unit, k.FiscalYear, k.Fund, k.Account)
}

// Less orders keys by unit, fiscal year, fund, account. Multi-cell
// operations lock cells in this order.
func (k CellKey) Less(o CellKey) bool {
	if k.Unit != o.Unit {
		return k.Unit < o.Unit
	}
	if k.FiscalYear != o.FiscalYear {
		return k.FiscalYear < o.FiscalYear
	}
	if k.Fund != o.Fund {
		return k.Fund < o.Fund
	}
	return k.Account < o.Account
}

// Validate rejects keys with an empty component.
func (k CellKey) Validate() error {
	if k.Unit == "" || k.FiscalYear == "" || k.Fund == "" || k.Account == "" {
		return fmt.Errorf("%w: %q", ErrInvalidCellKey, k.String())
	}
	return nil
}

// =============================================================================
// ALLOCATION CELL
// =============================================================================

// Cell is one allocation cell.
type Cell struct {
	ID        uuid.UUID
	Key       CellKey
	Allocated decimal.Decimal
	Consumed  decimal.Decimal
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewCell returns an empty cell for key.
func NewCell(key CellKey, now time.Time) Cell {
	return Cell{
		ID:        uuid.New(),
		Key:       key,
		Allocated: decimal.Zero,
		Consumed:  decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Available is allocated minus consumed, never negative.
func (c Cell) Available() decimal.Decimal {
	avail := c.Allocated.Sub(c.Consumed)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// Utilization is consumed as a percentage of allocated, 0 when nothing is
// allocated.
func (c Cell) Utilization() decimal.Decimal {
	if !c.Allocated.IsPositive() {
		return decimal.Zero
	}
	return c.Consumed.Div(c.Allocated).Mul(decimal.NewFromInt(100)).Round(2)
}

// =============================================================================
// CONSUMPTION ENTRY
// =============================================================================

// ConsumptionEntry records one deduction of a bill against a cell.
type ConsumptionEntry struct {
	ID            uuid.UUID
	CellID        uuid.UUID
	CellKey       CellKey
	BillID        string
	Amount        decimal.Decimal
	EmployeeCount int
	Reversed      bool
	CreatedAt     time.Time
	ReversedAt    *time.Time
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// CellFilter selects cells for audit queries. Empty fields match everything.
type CellFilter struct {
	FiscalYear string
	Unit       string
	Fund       string
	Account    string
}

// ConsumptionFilter selects consumption entries for audit queries.
type ConsumptionFilter struct {
	FiscalYear      string
	Unit            string
	BillID          string
	IncludeReversed bool
}
