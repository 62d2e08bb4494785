package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Transactional access to allocation cells
// =============================================================================

// Ledger owns allocation cells. Each exported mutation runs in its own
// transaction; callers that need several mutations to commit together use
// WithTx and the Tx methods.
type Ledger struct {
	store TxStore
	now   func() time.Time
	log   zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger used for mutation events.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func New(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithTx runs fn with a Tx bound to one store transaction.
func (l *Ledger) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return l.store.WithTx(ctx, func(s Store) error {
		return fn(&Tx{store: s, now: l.now, log: l.log})
	})
}

// GetOrCreate returns the cell for key, creating it with zero allocation.
func (l *Ledger) GetOrCreate(ctx context.Context, key CellKey) (Cell, error) {
	var cell Cell
	err := l.WithTx(ctx, func(tx *Tx) error {
		var err error
		cell, err = tx.GetOrCreate(ctx, key)
		return err
	})
	return cell, err
}

// Allocate adds amount to the cell's allocation.
func (l *Ledger) Allocate(ctx context.Context, key CellKey, amount decimal.Decimal) (Cell, error) {
	var cell Cell
	err := l.WithTx(ctx, func(tx *Tx) error {
		var err error
		cell, err = tx.Allocate(ctx, key, amount)
		return err
	})
	return cell, err
}

// SetAllocated overwrites the cell's allocation.
func (l *Ledger) SetAllocated(ctx context.Context, key CellKey, amount decimal.Decimal) (Cell, error) {
	var cell Cell
	err := l.WithTx(ctx, func(tx *Tx) error {
		var err error
		cell, err = tx.SetAllocated(ctx, key, amount)
		return err
	})
	return cell, err
}

// TryConsume deducts amount from a single cell or fails with
// *InsufficientBudgetError.
func (l *Ledger) TryConsume(ctx context.Context, key CellKey, amount decimal.Decimal) (Cell, error) {
	var cell Cell
	err := l.WithTx(ctx, func(tx *Tx) error {
		var err error
		cell, err = tx.TryConsume(ctx, key, amount)
		return err
	})
	return cell, err
}

// Release returns amount to a cell, flooring consumed at zero.
func (l *Ledger) Release(ctx context.Context, key CellKey, amount decimal.Decimal) (Cell, error) {
	var cell Cell
	err := l.WithTx(ctx, func(tx *Tx) error {
		var err error
		cell, err = tx.Release(ctx, key, amount)
		return err
	})
	return cell, err
}

// Cell reads a cell without locking it.
func (l *Ledger) Cell(ctx context.Context, key CellKey) (Cell, error) {
	return l.store.GetCell(ctx, key)
}

// Cells answers the audit query for allocation cells.
func (l *Ledger) Cells(ctx context.Context, filter CellFilter) ([]Cell, error) {
	return l.store.ListCells(ctx, filter)
}

// Consumptions answers the audit query for consumption entries.
func (l *Ledger) Consumptions(ctx context.Context, filter ConsumptionFilter) ([]ConsumptionEntry, error) {
	return l.store.ListConsumptions(ctx, filter)
}

// =============================================================================
// TX - Operations bound to one transaction
// =============================================================================

// Tx performs ledger operations inside a store transaction.
type Tx struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// Lock reads and locks an existing cell.
func (tx *Tx) Lock(ctx context.Context, key CellKey) (Cell, error) {
	return tx.store.LockCell(ctx, key)
}

// GetOrCreate locks the cell for key, creating it first if needed.
func (tx *Tx) GetOrCreate(ctx context.Context, key CellKey) (Cell, error) {
	if err := key.Validate(); err != nil {
		return Cell{}, err
	}
	cell, err := tx.store.LockCell(ctx, key)
	if err == nil {
		return cell, nil
	}
	if !errors.Is(err, ErrCellNotFound) {
		return Cell{}, err
	}

	err = tx.store.CreateCell(ctx, NewCell(key, tx.now()))
	if err != nil && !errors.Is(err, ErrDuplicateCell) {
		return Cell{}, err
	}
	if err == nil {
		tx.log.Debug().Str("cell", key.String()).Msg("allocation cell created")
	}
	return tx.store.LockCell(ctx, key)
}

// Allocate adds amount to the allocation. No external total is checked.
func (tx *Tx) Allocate(ctx context.Context, key CellKey, amount decimal.Decimal) (Cell, error) {
	if amount.IsNegative() {
		return Cell{}, ErrNegativeAmount
	}
	cell, err := tx.GetOrCreate(ctx, key)
	if err != nil {
		return Cell{}, err
	}
	cell.Allocated = cell.Allocated.Add(amount)
	return tx.write(ctx, cell)
}

// SetAllocated overwrites the allocation. It refuses to go below consumed,
// which would break consumed <= allocated.
func (tx *Tx) SetAllocated(ctx context.Context, key CellKey, amount decimal.Decimal) (Cell, error) {
	if amount.IsNegative() {
		return Cell{}, ErrNegativeAmount
	}
	cell, err := tx.GetOrCreate(ctx, key)
	if err != nil {
		return Cell{}, err
	}
	if amount.LessThan(cell.Consumed) {
		return Cell{}, &AllocationBelowConsumedError{Key: key, Allocated: amount, Consumed: cell.Consumed}
	}
	cell.Allocated = amount
	return tx.write(ctx, cell)
}

// TryConsume deducts amount from an existing cell.
func (tx *Tx) TryConsume(ctx context.Context, key CellKey, amount decimal.Decimal) (Cell, error) {
	if amount.IsNegative() {
		return Cell{}, ErrNegativeAmount
	}
	cell, err := tx.store.LockCell(ctx, key)
	if errors.Is(err, ErrCellNotFound) {
		return Cell{}, &UnknownAllocationCellError{Key: key}
	}
	if err != nil {
		return Cell{}, err
	}
	if amount.GreaterThan(cell.Available()) {
		return Cell{}, &InsufficientBudgetError{Shortfalls: []Shortfall{{
			Unit:      key.Unit,
			Account:   key.Account,
			Required:  amount,
			Available: cell.Available(),
		}}}
	}
	cell.Consumed = cell.Consumed.Add(amount)
	return tx.write(ctx, cell)
}

// Release decrements consumed by amount, floored at zero.
func (tx *Tx) Release(ctx context.Context, key CellKey, amount decimal.Decimal) (Cell, error) {
	if amount.IsNegative() {
		return Cell{}, ErrNegativeAmount
	}
	cell, err := tx.store.LockCell(ctx, key)
	if err != nil {
		return Cell{}, err
	}
	consumed := cell.Consumed.Sub(amount)
	if consumed.IsNegative() {
		tx.log.Warn().
			Str("cell", key.String()).
			Str("consumed", cell.Consumed.String()).
			Str("release", amount.String()).
			Msg("release exceeds consumed, flooring at zero")
		consumed = decimal.Zero
	}
	cell.Consumed = consumed
	return tx.write(ctx, cell)
}

// Record appends a consumption entry, filling ID and timestamp when empty.
func (tx *Tx) Record(ctx context.Context, entry ConsumptionEntry) (ConsumptionEntry, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = tx.now()
	}
	if err := tx.store.AppendConsumption(ctx, entry); err != nil {
		return ConsumptionEntry{}, err
	}
	return entry, nil
}

// EntriesForBill returns every entry of a bill, reversed or not.
func (tx *Tx) EntriesForBill(ctx context.Context, billID string) ([]ConsumptionEntry, error) {
	return tx.store.ConsumptionsByBill(ctx, billID)
}

// MarkReversed flags the entry as reversed at the transaction clock.
func (tx *Tx) MarkReversed(ctx context.Context, entryID uuid.UUID) error {
	return tx.store.MarkReversed(ctx, entryID, tx.now())
}

func (tx *Tx) write(ctx context.Context, cell Cell) (Cell, error) {
	if cell.Consumed.GreaterThan(cell.Allocated) {
		// Only reachable through a bug in a caller; never persist it.
		return Cell{}, &InsufficientBudgetError{Shortfalls: []Shortfall{{
			Unit:      cell.Key.Unit,
			Account:   cell.Key.Account,
			Required:  cell.Consumed,
			Available: cell.Allocated,
		}}}
	}
	cell.UpdatedAt = tx.now()
	return tx.store.UpdateCell(ctx, cell)
}

// SortKeys orders keys for lock acquisition.
func SortKeys(keys []CellKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
