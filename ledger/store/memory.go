// Package store provides in-process ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cfms/salary-budget/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps cells and entries in maps guarded by a short-held mutex.
// Row locks live in locks and are only taken through a transaction view.
type Memory struct {
	mu      sync.RWMutex
	cells   map[ledger.CellKey]ledger.Cell
	entries []ledger.ConsumptionEntry
	locks   map[ledger.CellKey]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		cells: make(map[ledger.CellKey]ledger.Cell),
		locks: make(map[ledger.CellKey]*sync.Mutex),
	}
}

func (m *Memory) GetCell(_ context.Context, key ledger.CellKey) (ledger.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cell, ok := m.cells[key]
	if !ok {
		return ledger.Cell{}, ledger.ErrCellNotFound
	}
	return cell, nil
}

// LockCell outside a transaction is a plain read.
func (m *Memory) LockCell(ctx context.Context, key ledger.CellKey) (ledger.Cell, error) {
	return m.GetCell(ctx, key)
}

func (m *Memory) CreateCell(_ context.Context, cell ledger.Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(cell)
}

func (m *Memory) createLocked(cell ledger.Cell) error {
	if _, ok := m.cells[cell.Key]; ok {
		return ledger.ErrDuplicateCell
	}
	m.cells[cell.Key] = cell
	return nil
}

func (m *Memory) UpdateCell(_ context.Context, cell ledger.Cell) (ledger.Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, _, err := m.updateLocked(cell)
	return updated, err
}

// updateLocked returns the written cell and the one it replaced.
func (m *Memory) updateLocked(cell ledger.Cell) (ledger.Cell, ledger.Cell, error) {
	prev, ok := m.cells[cell.Key]
	if !ok {
		return ledger.Cell{}, ledger.Cell{}, ledger.ErrCellNotFound
	}
	if prev.Version != cell.Version {
		return ledger.Cell{}, ledger.Cell{}, ledger.ErrConcurrentModification
	}
	cell.ID = prev.ID
	cell.CreatedAt = prev.CreatedAt
	cell.Version = prev.Version + 1
	m.cells[cell.Key] = cell
	return cell, prev, nil
}

func (m *Memory) ListCells(_ context.Context, filter ledger.CellFilter) ([]ledger.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Cell
	for _, c := range m.cells {
		if matchCell(c.Key, filter) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func matchCell(k ledger.CellKey, f ledger.CellFilter) bool {
	return (f.FiscalYear == "" || k.FiscalYear == f.FiscalYear) &&
		(f.Unit == "" || k.Unit == f.Unit) &&
		(f.Fund == "" || k.Fund == f.Fund) &&
		(f.Account == "" || k.Account == f.Account)
}

func (m *Memory) AppendConsumption(_ context.Context, entry ledger.ConsumptionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) ConsumptionsByBill(_ context.Context, billID string) ([]ledger.ConsumptionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.ConsumptionEntry
	for _, e := range m.entries {
		if e.BillID == billID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ListConsumptions(_ context.Context, filter ledger.ConsumptionFilter) ([]ledger.ConsumptionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.ConsumptionEntry
	for _, e := range m.entries {
		if filter.FiscalYear != "" && e.CellKey.FiscalYear != filter.FiscalYear {
			continue
		}
		if filter.Unit != "" && e.CellKey.Unit != filter.Unit {
			continue
		}
		if filter.BillID != "" && e.BillID != filter.BillID {
			continue
		}
		if e.Reversed && !filter.IncludeReversed {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) MarkReversed(_ context.Context, entryID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markReversedLocked(entryID, at)
}

func (m *Memory) markReversedLocked(entryID uuid.UUID, at time.Time) error {
	for i := range m.entries {
		if m.entries[i].ID != entryID {
			continue
		}
		if m.entries[i].Reversed {
			return ledger.ErrAlreadyReversed
		}
		m.entries[i].Reversed = true
		m.entries[i].ReversedAt = &at
		return nil
	}
	return ledger.ErrEntryNotFound
}

// rowLock returns the lock for key, creating it on first use.
func (m *Memory) rowLock(key ledger.CellKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// Cells locked through the view stay locked until fn returns. Writes are
// applied immediately and undone in reverse order if fn fails.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	view := &txMemoryView{parent: tm.Memory, held: make(map[ledger.CellKey]*sync.Mutex)}
	defer view.unlockAll()

	if err := fn(view); err != nil {
		view.rollback()
		return err
	}
	return nil
}

type txMemoryView struct {
	parent *Memory
	held   map[ledger.CellKey]*sync.Mutex
	undo   []func()
}

func (tv *txMemoryView) unlockAll() {
	for _, l := range tv.held {
		l.Unlock()
	}
}

func (tv *txMemoryView) rollback() {
	tv.parent.mu.Lock()
	defer tv.parent.mu.Unlock()
	for i := len(tv.undo) - 1; i >= 0; i-- {
		tv.undo[i]()
	}
}

func (tv *txMemoryView) GetCell(ctx context.Context, key ledger.CellKey) (ledger.Cell, error) {
	return tv.parent.GetCell(ctx, key)
}

func (tv *txMemoryView) LockCell(ctx context.Context, key ledger.CellKey) (ledger.Cell, error) {
	if _, ok := tv.held[key]; !ok {
		if _, err := tv.parent.GetCell(ctx, key); err != nil {
			return ledger.Cell{}, err
		}
		tv.hold(key)
	}
	return tv.parent.GetCell(ctx, key)
}

// hold takes the row lock for key and keeps it until the transaction ends.
func (tv *txMemoryView) hold(key ledger.CellKey) {
	if _, ok := tv.held[key]; ok {
		return
	}
	l := tv.parent.rowLock(key)
	l.Lock()
	tv.held[key] = l
}

// CreateCell locks the row before the cell becomes visible, so no other
// transaction can write to it until this one commits or rolls back.
func (tv *txMemoryView) CreateCell(_ context.Context, cell ledger.Cell) error {
	tv.hold(cell.Key)

	tv.parent.mu.Lock()
	defer tv.parent.mu.Unlock()

	if err := tv.parent.createLocked(cell); err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() {
		if cur, ok := tv.parent.cells[cell.Key]; ok && cur.ID == cell.ID && cur.Version == cell.Version {
			delete(tv.parent.cells, cell.Key)
		}
	})
	return nil
}

func (tv *txMemoryView) UpdateCell(_ context.Context, cell ledger.Cell) (ledger.Cell, error) {
	tv.parent.mu.Lock()
	defer tv.parent.mu.Unlock()

	updated, prev, err := tv.parent.updateLocked(cell)
	if err != nil {
		return ledger.Cell{}, err
	}
	tv.undo = append(tv.undo, func() {
		if cur, ok := tv.parent.cells[prev.Key]; ok && cur.ID == updated.ID && cur.Version == updated.Version {
			tv.parent.cells[prev.Key] = prev
		}
	})
	return updated, nil
}

func (tv *txMemoryView) ListCells(ctx context.Context, filter ledger.CellFilter) ([]ledger.Cell, error) {
	return tv.parent.ListCells(ctx, filter)
}

func (tv *txMemoryView) AppendConsumption(_ context.Context, entry ledger.ConsumptionEntry) error {
	tv.parent.mu.Lock()
	defer tv.parent.mu.Unlock()

	tv.parent.entries = append(tv.parent.entries, entry)
	tv.undo = append(tv.undo, func() {
		kept := tv.parent.entries[:0]
		for _, e := range tv.parent.entries {
			if e.ID != entry.ID {
				kept = append(kept, e)
			}
		}
		tv.parent.entries = kept
	})
	return nil
}

func (tv *txMemoryView) ConsumptionsByBill(ctx context.Context, billID string) ([]ledger.ConsumptionEntry, error) {
	return tv.parent.ConsumptionsByBill(ctx, billID)
}

func (tv *txMemoryView) ListConsumptions(ctx context.Context, filter ledger.ConsumptionFilter) ([]ledger.ConsumptionEntry, error) {
	return tv.parent.ListConsumptions(ctx, filter)
}

func (tv *txMemoryView) MarkReversed(_ context.Context, entryID uuid.UUID, at time.Time) error {
	tv.parent.mu.Lock()
	defer tv.parent.mu.Unlock()

	if err := tv.parent.markReversedLocked(entryID, at); err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() {
		for j := range tv.parent.entries {
			if tv.parent.entries[j].ID == entryID {
				tv.parent.entries[j].Reversed = false
				tv.parent.entries[j].ReversedAt = nil
			}
		}
	})
	return nil
}
