package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfms/salary-budget/ledger"
	memstore "github.com/cfms/salary-budget/ledger/store"
)

var errAbort = errors.New("abort")

func TestTxMemory_CreatedCellLockedUntilRollback(t *testing.T) {
	// GIVEN: A transaction that creates a cell and then fails
	// WHEN: Another caller allocates to that cell while the transaction is open
	// THEN: The allocation waits for the rollback and survives it

	ctx := context.Background()
	store := memstore.NewTxMemory()
	l := ledger.New(store)
	k := ledger.CellKey{Unit: "X", FiscalYear: "2024-25", Fund: "F1", Account: "A01151"}

	allocated := make(chan error, 1)
	err := store.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.CreateCell(ctx, ledger.NewCell(k, time.Now())))

		go func() {
			_, err := l.Allocate(ctx, k, decimal.NewFromInt(100))
			allocated <- err
		}()

		select {
		case err := <-allocated:
			t.Fatalf("allocate finished while the creating transaction was open: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	require.NoError(t, <-allocated)

	cell, err := l.Cell(ctx, k)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(cell.Allocated), "got %s", cell.Allocated)
}

func TestTxMemory_RollbackRestoresOwnWrites(t *testing.T) {
	// GIVEN: A cell with 500 allocated
	// WHEN: A transaction creates a second cell, updates both, then fails
	// THEN: The first cell is back at 500 and the second is gone

	ctx := context.Background()
	store := memstore.NewTxMemory()
	l := ledger.New(store)
	a := ledger.CellKey{Unit: "A", FiscalYear: "2024-25", Fund: "F1", Account: "A01151"}
	b := ledger.CellKey{Unit: "B", FiscalYear: "2024-25", Fund: "F1", Account: "A01151"}
	_, err := l.Allocate(ctx, a, decimal.NewFromInt(500))
	require.NoError(t, err)

	err = l.WithTx(ctx, func(tx *ledger.Tx) error {
		if _, err := tx.Allocate(ctx, a, decimal.NewFromInt(10)); err != nil {
			return err
		}
		if _, err := tx.Allocate(ctx, a, decimal.NewFromInt(20)); err != nil {
			return err
		}
		if _, err := tx.Allocate(ctx, b, decimal.NewFromInt(30)); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	cell, err := l.Cell(ctx, a)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(500).Equal(cell.Allocated))
	assert.Equal(t, int64(1), cell.Version)

	_, err = l.Cell(ctx, b)
	assert.ErrorIs(t, err, ledger.ErrCellNotFound)
}
