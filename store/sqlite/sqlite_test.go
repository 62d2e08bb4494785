package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/payroll"
	"github.com/cfms/salary-budget/store/sqlite"
)

func newFileStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func employee(id string) payroll.Employee {
	return payroll.Employee{
		ID:                  id,
		Name:                "Employee " + id,
		Grade:               7,
		RunningBasic:        decimal.RequireFromString("32000"),
		City:                payroll.CityLarge,
		Disparity:           decimal.RequireFromString("500"),
		Unit:                "X",
		ExpectedIncreasePct: decimal.RequireFromString("10"),
	}
}

func TestEmployees_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	emp := employee("e1")
	emp.FrozenRelief = decimal.NewNullDecimal(decimal.RequireFromString("1200"))
	require.NoError(t, s.SaveEmployee(ctx, emp))

	got, err := s.GetEmployee(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, payroll.CityLarge, got.City)
	assert.True(t, emp.RunningBasic.Equal(got.RunningBasic))
	require.True(t, got.FrozenRelief.Valid)
	assert.True(t, decimal.RequireFromString("1200").Equal(got.FrozenRelief.Decimal))
	assert.True(t, decimal.RequireFromString("10").Equal(got.ExpectedIncreasePct))

	emp.Unit = "Y"
	require.NoError(t, s.SaveEmployee(ctx, emp))
	got, err = s.GetEmployee(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Y", got.Unit)

	_, err = s.GetEmployee(ctx, "nobody")
	assert.ErrorIs(t, err, payroll.ErrEmployeeNotFound)
}

func TestEmployees_MarkReliefAutoCalculatedOnce(t *testing.T) {
	// GIVEN: Two employees, one already flagged
	// WHEN: Marking both, then marking both again
	// THEN: One row changes the first time, none the second

	ctx := context.Background()
	s := newFileStore(t)
	flagged := employee("e2")
	flagged.ReliefAutoCalculated = true
	require.NoError(t, s.SaveEmployee(ctx, employee("e1")))
	require.NoError(t, s.SaveEmployee(ctx, flagged))

	n, err := s.MarkReliefAutoCalculated(ctx, []string{"e1", "e2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.MarkReliefAutoCalculated(ctx, []string{"e1", "e2"})
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.GetEmployee(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, got.ReliefAutoCalculated)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	l := ledger.New(s)
	k := ledger.CellKey{Unit: "X", FiscalYear: "2024-25", Fund: "F1", Account: "A01151"}

	require.NoError(t, s.SaveEmployee(ctx, employee("e1")))
	_, err := l.Allocate(ctx, k, decimal.NewFromInt(1000))
	require.NoError(t, err)
	err = l.WithTx(ctx, func(tx *ledger.Tx) error {
		cell, err := tx.TryConsume(ctx, k, decimal.NewFromInt(400))
		if err != nil {
			return err
		}
		_, err = tx.Record(ctx, ledger.ConsumptionEntry{CellID: cell.ID, CellKey: k, BillID: "B1", Amount: decimal.NewFromInt(400), EmployeeCount: 1})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	employees, err := s.ListEmployees(ctx)
	require.NoError(t, err)
	assert.Empty(t, employees)
	cells, err := l.Cells(ctx, ledger.CellFilter{})
	require.NoError(t, err)
	assert.Empty(t, cells)
	entries, err := l.Consumptions(ctx, ledger.ConsumptionFilter{IncludeReversed: true})
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The schema survives, so the store is usable again.
	cell, err := l.Allocate(ctx, k, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(cell.Allocated))
}
