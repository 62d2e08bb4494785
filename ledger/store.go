/*
store.go - Persistence interface for allocation cells and consumption entries

KEY INTERFACES:
  Store:    Cell and entry persistence
  TxStore:  Store plus WithTx for atomic multi-cell work

LOCKING CONTRACT:
  LockCell reads a cell and holds its row lock until the surrounding
  WithTx returns. Outside a transaction it behaves like GetCell.
  UpdateCell is a compare-and-set on Version: the stored version must
  equal cell.Version, and the returned cell carries the next version.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, BEGIN IMMEDIATE transactions
  - ledger/store/memory.go: In-memory with per-cell locks, for tests
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store handles persistence of cells and consumption entries.
type Store interface {
	// GetCell returns ErrCellNotFound when no cell has the key.
	GetCell(ctx context.Context, key CellKey) (Cell, error)

	// LockCell is GetCell plus a row lock held for the transaction.
	LockCell(ctx context.Context, key CellKey) (Cell, error)

	// CreateCell inserts a new cell. Returns ErrDuplicateCell if the key exists.
	CreateCell(ctx context.Context, cell Cell) error

	// UpdateCell writes allocated/consumed if the stored version matches.
	// Returns ErrConcurrentModification otherwise.
	UpdateCell(ctx context.Context, cell Cell) (Cell, error)

	// ListCells returns matching cells ordered by unit, fiscal year, fund, account.
	ListCells(ctx context.Context, filter CellFilter) ([]Cell, error)

	AppendConsumption(ctx context.Context, entry ConsumptionEntry) error

	// ConsumptionsByBill returns every entry of a bill, reversed or not.
	ConsumptionsByBill(ctx context.Context, billID string) ([]ConsumptionEntry, error)

	ListConsumptions(ctx context.Context, filter ConsumptionFilter) ([]ConsumptionEntry, error)

	// MarkReversed flags an entry as reversed. Returns ErrAlreadyReversed if it was.
	MarkReversed(ctx context.Context, entryID uuid.UUID, at time.Time) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
