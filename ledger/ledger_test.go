package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfms/salary-budget/ledger"
	memstore "github.com/cfms/salary-budget/ledger/store"
	"github.com/cfms/salary-budget/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func key(unit, account string) ledger.CellKey {
	return ledger.CellKey{Unit: unit, FiscalYear: "2024-25", Fund: "F1", Account: account}
}

var fixedNow = time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

// forEachStore runs fn against the memory store and a file-backed SQLite
// store. A file gives the pool several connections, so concurrent callers
// really contend for the write lock.
func forEachStore(t *testing.T, fn func(t *testing.T, l *ledger.Ledger)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, ledger.New(memstore.NewTxMemory(), ledger.WithClock(func() time.Time { return fixedNow })))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(filepath.Join(t.TempDir(), "budget.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, ledger.New(s, ledger.WithClock(func() time.Time { return fixedNow })))
	})
}

// =============================================================================
// CELL KEY
// =============================================================================

func TestCellKey_Less(t *testing.T) {
	a := ledger.CellKey{Unit: "A", FiscalYear: "2024-25", Fund: "F1", Account: "Z"}
	b := ledger.CellKey{Unit: "B", FiscalYear: "2023-24", Fund: "F0", Account: "A"}

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))

	keys := []ledger.CellKey{b, key("A", "A02"), a, key("A", "A01")}
	ledger.SortKeys(keys)
	assert.Equal(t, []ledger.CellKey{key("A", "A01"), key("A", "A02"), a, b}, keys)
}

func TestCellKey_Validate(t *testing.T) {
	assert.NoError(t, key("X", "A01").Validate())
	assert.ErrorIs(t, key("", "A01").Validate(), ledger.ErrInvalidCellKey)
	assert.ErrorIs(t, key("X", "").Validate(), ledger.ErrInvalidCellKey)
}

func TestCell_AvailableAndUtilization(t *testing.T) {
	c := ledger.NewCell(key("X", "A01"), fixedNow)
	assert.True(t, c.Available().IsZero())
	assert.True(t, c.Utilization().IsZero())

	c.Allocated = dec("3000")
	c.Consumed = dec("1000")
	assert.True(t, dec("2000").Equal(c.Available()))
	assert.True(t, dec("33.33").Equal(c.Utilization()), "got %s", c.Utilization())
}

// =============================================================================
// ALLOCATION
// =============================================================================

func TestLedger_GetOrCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()

		created, err := l.GetOrCreate(ctx, key("X", "A01"))
		require.NoError(t, err)
		assert.True(t, created.Allocated.IsZero())
		assert.True(t, created.Consumed.IsZero())

		again, err := l.GetOrCreate(ctx, key("X", "A01"))
		require.NoError(t, err)
		assert.Equal(t, created.ID, again.ID)

		_, err = l.GetOrCreate(ctx, key("", "A01"))
		assert.ErrorIs(t, err, ledger.ErrInvalidCellKey)
	})
}

func TestLedger_AllocateAccumulates(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()

		_, err := l.Allocate(ctx, key("X", "A01"), dec("1000"))
		require.NoError(t, err)
		cell, err := l.Allocate(ctx, key("X", "A01"), dec("250.50"))
		require.NoError(t, err)

		assert.True(t, dec("1250.50").Equal(cell.Allocated))
		assert.Equal(t, int64(2), cell.Version)

		_, err = l.Allocate(ctx, key("X", "A01"), dec("-1"))
		assert.ErrorIs(t, err, ledger.ErrNegativeAmount)
	})
}

func TestLedger_SetAllocatedRefusesBelowConsumed(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		k := key("X", "A01")
		_, err := l.Allocate(ctx, k, dec("1000"))
		require.NoError(t, err)
		_, err = l.TryConsume(ctx, k, dec("600"))
		require.NoError(t, err)

		_, err = l.SetAllocated(ctx, k, dec("500"))
		var below *ledger.AllocationBelowConsumedError
		require.ErrorAs(t, err, &below)
		assert.True(t, dec("600").Equal(below.Consumed))

		cell, err := l.SetAllocated(ctx, k, dec("600"))
		require.NoError(t, err)
		assert.True(t, cell.Available().IsZero())
	})
}

// =============================================================================
// CONSUMPTION
// =============================================================================

func TestLedger_TryConsume(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		k := key("X", "A01")
		_, err := l.Allocate(ctx, k, dec("1000"))
		require.NoError(t, err)

		cell, err := l.TryConsume(ctx, k, dec("400"))
		require.NoError(t, err)
		assert.True(t, dec("600").Equal(cell.Available()))

		_, err = l.TryConsume(ctx, k, dec("600.01"))
		var insufficient *ledger.InsufficientBudgetError
		require.ErrorAs(t, err, &insufficient)
		require.Len(t, insufficient.Shortfalls, 1)
		assert.True(t, dec("600").Equal(insufficient.Shortfalls[0].Available))

		cell, err = l.Cell(ctx, k)
		require.NoError(t, err)
		assert.True(t, dec("400").Equal(cell.Consumed), "failed consume must not mutate")

		_, err = l.TryConsume(ctx, key("Y", "A01"), dec("1"))
		assert.ErrorIs(t, err, ledger.ErrUnknownAllocationCell)
	})
}

func TestLedger_ReleaseFloorsAtZero(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		k := key("X", "A01")
		_, err := l.Allocate(ctx, k, dec("1000"))
		require.NoError(t, err)
		_, err = l.TryConsume(ctx, k, dec("300"))
		require.NoError(t, err)

		cell, err := l.Release(ctx, k, dec("500"))
		require.NoError(t, err)
		assert.True(t, cell.Consumed.IsZero())
		assert.True(t, dec("1000").Equal(cell.Available()))
	})
}

func TestLedger_ConcurrentConsumeNeverOverspends(t *testing.T) {
	// GIVEN: A cell with 1000 available
	// WHEN: 20 goroutines each try to consume 100
	// THEN: Exactly 10 succeed and consumed equals allocated

	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		k := key("X", "A01")
		_, err := l.Allocate(ctx, k, dec("1000"))
		require.NoError(t, err)

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.TryConsume(ctx, k, dec("100"))
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, ledger.ErrInsufficientBudget), "unexpected error: %v", err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, ok)
		cell, err := l.Cell(ctx, k)
		require.NoError(t, err)
		assert.True(t, dec("1000").Equal(cell.Consumed))
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestLedger_WithTxRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		k := key("X", "A01")
		_, err := l.Allocate(ctx, k, dec("1000"))
		require.NoError(t, err)

		boom := errors.New("boom")
		err = l.WithTx(ctx, func(tx *ledger.Tx) error {
			cell, err := tx.TryConsume(ctx, k, dec("700"))
			if err != nil {
				return err
			}
			if _, err := tx.Record(ctx, ledger.ConsumptionEntry{CellID: cell.ID, CellKey: k, BillID: "B1", Amount: dec("700")}); err != nil {
				return err
			}
			if _, err := tx.Allocate(ctx, key("Y", "A01"), dec("50")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		cell, err := l.Cell(ctx, k)
		require.NoError(t, err)
		assert.True(t, cell.Consumed.IsZero())

		_, err = l.Cell(ctx, key("Y", "A01"))
		assert.ErrorIs(t, err, ledger.ErrCellNotFound)

		entries, err := l.Consumptions(ctx, ledger.ConsumptionFilter{IncludeReversed: true})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestLedger_EntriesAndReversal(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		k := key("X", "A01")
		_, err := l.Allocate(ctx, k, dec("1000"))
		require.NoError(t, err)

		var recorded ledger.ConsumptionEntry
		err = l.WithTx(ctx, func(tx *ledger.Tx) error {
			cell, err := tx.TryConsume(ctx, k, dec("250"))
			if err != nil {
				return err
			}
			recorded, err = tx.Record(ctx, ledger.ConsumptionEntry{
				CellID: cell.ID, CellKey: k, BillID: "B1", Amount: dec("250"), EmployeeCount: 3,
			})
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, fixedNow, recorded.CreatedAt)

		entries, err := l.Consumptions(ctx, ledger.ConsumptionFilter{BillID: "B1"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, recorded.ID, entries[0].ID)
		assert.Equal(t, k, entries[0].CellKey)
		assert.Equal(t, 3, entries[0].EmployeeCount)
		assert.True(t, dec("250").Equal(entries[0].Amount))

		err = l.WithTx(ctx, func(tx *ledger.Tx) error { return tx.MarkReversed(ctx, recorded.ID) })
		require.NoError(t, err)

		err = l.WithTx(ctx, func(tx *ledger.Tx) error { return tx.MarkReversed(ctx, recorded.ID) })
		assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)

		active, err := l.Consumptions(ctx, ledger.ConsumptionFilter{BillID: "B1"})
		require.NoError(t, err)
		assert.Empty(t, active)

		all, err := l.Consumptions(ctx, ledger.ConsumptionFilter{BillID: "B1", IncludeReversed: true})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.True(t, all[0].Reversed)
		require.NotNil(t, all[0].ReversedAt)
		assert.True(t, fixedNow.Equal(*all[0].ReversedAt))
	})
}

// =============================================================================
// REPORTING
// =============================================================================

func TestLedger_CellsFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		for _, k := range []ledger.CellKey{key("B", "A02"), key("A", "A01"), key("B", "A01")} {
			_, err := l.Allocate(ctx, k, dec("10"))
			require.NoError(t, err)
		}
		other := ledger.CellKey{Unit: "A", FiscalYear: "2025-26", Fund: "F1", Account: "A01"}
		_, err := l.Allocate(ctx, other, dec("10"))
		require.NoError(t, err)

		cells, err := l.Cells(ctx, ledger.CellFilter{FiscalYear: "2024-25"})
		require.NoError(t, err)
		require.Len(t, cells, 3)
		assert.Equal(t, key("A", "A01"), cells[0].Key)
		assert.Equal(t, key("B", "A01"), cells[1].Key)
		assert.Equal(t, key("B", "A02"), cells[2].Key)

		cells, err = l.Cells(ctx, ledger.CellFilter{Unit: "B", Account: "A02"})
		require.NoError(t, err)
		require.Len(t, cells, 1)
	})
}

func TestLedger_StatusAndAlerts(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		setup := map[ledger.CellKey][2]string{
			key("A", "A01"): {"1000", "950"},
			key("A", "A02"): {"1000", "500"},
			key("B", "A01"): {"1000", "1000"},
			key("B", "A02"): {"0", "0"},
		}
		for k, v := range setup {
			_, err := l.Allocate(ctx, k, dec(v[0]))
			require.NoError(t, err)
			if !dec(v[1]).IsZero() {
				_, err = l.TryConsume(ctx, k, dec(v[1]))
				require.NoError(t, err)
			}
		}

		rows, err := l.Status(ctx, "2024-25", "A")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.True(t, dec("95").Equal(rows[0].Utilization))
		assert.True(t, dec("500").Equal(rows[1].Available))

		alerts, err := l.Alerts(ctx, "2024-25", ledger.DefaultAlertThreshold)
		require.NoError(t, err)
		require.Len(t, alerts, 2)
		assert.Equal(t, key("B", "A01"), alerts[0].Key)
		assert.Equal(t, key("A", "A01"), alerts[1].Key)
	})
}
