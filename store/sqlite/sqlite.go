/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.TxStore (allocation cells, consumption entries) and the
  employee records the bill workflow reads. In production the same patterns
  apply to PostgreSQL, where LockCell becomes SELECT ... FOR UPDATE.

KEY TABLES:
  allocation_cells:     One row per (unit, fiscal_year, fund, account)
  consumption_entries:  Audit trail of bill deductions, reversed in place
  employees:            Compensation inputs per employee

CONCURRENCY:
  Write transactions are opened with BEGIN IMMEDIATE (_txlock=immediate),
  so a transaction holds the database write lock from its first statement.
  That serializes every read-modify-write on a cell. UpdateCell is also a
  compare-and-set on the version column, so a write outside WithTx cannot
  overwrite a newer row either.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/budget.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

MIGRATION:
  Schema is created on New(). Versioned migrations are out of scope.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/cfms/salary-budget/ledger"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// queries holds every statement; Store runs them on the pool and txStore on
// a single transaction.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS allocation_cells (
		id TEXT PRIMARY KEY,
		unit TEXT NOT NULL,
		fiscal_year TEXT NOT NULL,
		fund TEXT NOT NULL,
		account TEXT NOT NULL,
		allocated TEXT NOT NULL DEFAULT '0',
		consumed TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(unit, fiscal_year, fund, account)
	);

	CREATE INDEX IF NOT EXISTS idx_cells_fiscal_year_unit
		ON allocation_cells(fiscal_year, unit);

	-- Consumption entries are never deleted; cancellation sets is_reversed.
	CREATE TABLE IF NOT EXISTS consumption_entries (
		id TEXT PRIMARY KEY,
		cell_id TEXT NOT NULL REFERENCES allocation_cells(id),
		unit TEXT NOT NULL,
		fiscal_year TEXT NOT NULL,
		fund TEXT NOT NULL,
		account TEXT NOT NULL,
		bill_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		employee_count INTEGER NOT NULL DEFAULT 0,
		is_reversed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		reversed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_consumption_bill
		ON consumption_entries(bill_id);
	CREATE INDEX IF NOT EXISTS idx_consumption_fiscal_year_unit
		ON consumption_entries(fiscal_year, unit);
	CREATE INDEX IF NOT EXISTS idx_consumption_cell
		ON consumption_entries(cell_id);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		grade INTEGER NOT NULL,
		running_basic TEXT NOT NULL,
		city TEXT NOT NULL DEFAULT 'OTHER',
		govt_accommodation BOOLEAN NOT NULL DEFAULT FALSE,
		house_hiring BOOLEAN NOT NULL DEFAULT FALSE,
		frozen_relief TEXT,
		relief_auto_calculated BOOLEAN NOT NULL DEFAULT FALSE,
		disparity TEXT NOT NULL DEFAULT '0',
		unit TEXT NOT NULL DEFAULT '',
		expected_increase_pct TEXT NOT NULL DEFAULT '0',
		vacant BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_employees_unit
		ON employees(unit);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on the open transaction.
type txStore struct {
	queries
}

// Reset deletes every cell, entry and employee while keeping the schema.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM consumption_entries;
		DELETE FROM allocation_cells;
		DELETE FROM employees;
	`)
	return err
}

// =============================================================================
// ALLOCATION CELLS
// =============================================================================

const cellColumns = `id, unit, fiscal_year, fund, account, allocated, consumed, version, created_at, updated_at`

func (q queries) GetCell(ctx context.Context, key ledger.CellKey) (ledger.Cell, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+cellColumns+` FROM allocation_cells
		 WHERE unit = ? AND fiscal_year = ? AND fund = ? AND account = ?`,
		key.Unit, key.FiscalYear, key.Fund, key.Account,
	)
	cell, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Cell{}, ledger.ErrCellNotFound
	}
	return cell, err
}

// LockCell reads the cell. Inside WithTx the immediate transaction already
// holds the write lock.
func (q queries) LockCell(ctx context.Context, key ledger.CellKey) (ledger.Cell, error) {
	return q.GetCell(ctx, key)
}

func (q queries) CreateCell(ctx context.Context, cell ledger.Cell) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO allocation_cells (`+cellColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cell.ID.String(),
		cell.Key.Unit, cell.Key.FiscalYear, cell.Key.Fund, cell.Key.Account,
		cell.Allocated.String(), cell.Consumed.String(), cell.Version,
		formatTime(cell.CreatedAt), formatTime(cell.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateCell
		}
		return fmt.Errorf("failed to create cell: %w", err)
	}
	return nil
}

func (q queries) UpdateCell(ctx context.Context, cell ledger.Cell) (ledger.Cell, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE allocation_cells
		 SET allocated = ?, consumed = ?, version = version + 1, updated_at = ?
		 WHERE unit = ? AND fiscal_year = ? AND fund = ? AND account = ? AND version = ?`,
		cell.Allocated.String(), cell.Consumed.String(), formatTime(cell.UpdatedAt),
		cell.Key.Unit, cell.Key.FiscalYear, cell.Key.Fund, cell.Key.Account, cell.Version,
	)
	if err != nil {
		return ledger.Cell{}, fmt.Errorf("failed to update cell: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Cell{}, err
	}
	if n == 0 {
		if _, err := q.GetCell(ctx, cell.Key); err != nil {
			return ledger.Cell{}, err
		}
		return ledger.Cell{}, ledger.ErrConcurrentModification
	}
	return q.GetCell(ctx, cell.Key)
}

func (q queries) ListCells(ctx context.Context, filter ledger.CellFilter) ([]ledger.Cell, error) {
	where, args := buildWhere(map[string]string{
		"fiscal_year": filter.FiscalYear,
		"unit":        filter.Unit,
		"fund":        filter.Fund,
		"account":     filter.Account,
	})
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+cellColumns+` FROM allocation_cells`+where+
			` ORDER BY unit, fiscal_year, fund, account`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer rows.Close()

	var cells []ledger.Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCell(row scanner) (ledger.Cell, error) {
	var (
		cell                 ledger.Cell
		id                   string
		allocated, consumed  string
		createdAt, updatedAt string
	)
	err := row.Scan(&id,
		&cell.Key.Unit, &cell.Key.FiscalYear, &cell.Key.Fund, &cell.Key.Account,
		&allocated, &consumed, &cell.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cell, err
		}
		return cell, fmt.Errorf("failed to scan cell: %w", err)
	}
	cell.ID, _ = uuid.Parse(id)
	cell.Allocated = parseDecimal(allocated)
	cell.Consumed = parseDecimal(consumed)
	cell.CreatedAt = parseTime(createdAt)
	cell.UpdatedAt = parseTime(updatedAt)
	return cell, nil
}

// =============================================================================
// CONSUMPTION ENTRIES
// =============================================================================

const entryColumns = `id, cell_id, unit, fiscal_year, fund, account, bill_id, amount,
	employee_count, is_reversed, created_at, reversed_at`

func (q queries) AppendConsumption(ctx context.Context, e ledger.ConsumptionEntry) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO consumption_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.CellID.String(),
		e.CellKey.Unit, e.CellKey.FiscalYear, e.CellKey.Fund, e.CellKey.Account,
		e.BillID, e.Amount.String(), e.EmployeeCount, e.Reversed,
		formatTime(e.CreatedAt), nullTime(e.ReversedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append consumption entry: %w", err)
	}
	return nil
}

func (q queries) ConsumptionsByBill(ctx context.Context, billID string) ([]ledger.ConsumptionEntry, error) {
	return q.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM consumption_entries
		 WHERE bill_id = ? ORDER BY created_at, id`,
		billID,
	)
}

func (q queries) ListConsumptions(ctx context.Context, filter ledger.ConsumptionFilter) ([]ledger.ConsumptionEntry, error) {
	where, args := buildWhere(map[string]string{
		"fiscal_year": filter.FiscalYear,
		"unit":        filter.Unit,
		"bill_id":     filter.BillID,
	})
	if !filter.IncludeReversed {
		if where == "" {
			where = " WHERE is_reversed = FALSE"
		} else {
			where += " AND is_reversed = FALSE"
		}
	}
	return q.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM consumption_entries`+where+
			` ORDER BY created_at, id`,
		args...,
	)
}

func (q queries) MarkReversed(ctx context.Context, entryID uuid.UUID, at time.Time) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE consumption_entries SET is_reversed = TRUE, reversed_at = ?
		 WHERE id = ? AND is_reversed = FALSE`,
		formatTime(at), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to reverse entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var reversed bool
	err = q.q.QueryRowContext(ctx,
		"SELECT is_reversed FROM consumption_entries WHERE id = ?", entryID.String(),
	).Scan(&reversed)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	return ledger.ErrAlreadyReversed
}

func (q queries) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.ConsumptionEntry, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumption entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.ConsumptionEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row scanner) (ledger.ConsumptionEntry, error) {
	var (
		e          ledger.ConsumptionEntry
		id, cellID string
		amount     string
		createdAt  string
		reversedAt sql.NullString
	)
	err := row.Scan(&id, &cellID,
		&e.CellKey.Unit, &e.CellKey.FiscalYear, &e.CellKey.Fund, &e.CellKey.Account,
		&e.BillID, &amount, &e.EmployeeCount, &e.Reversed, &createdAt, &reversedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan consumption entry: %w", err)
	}
	e.ID, _ = uuid.Parse(id)
	e.CellID, _ = uuid.Parse(cellID)
	e.Amount = parseDecimal(amount)
	e.CreatedAt = parseTime(createdAt)
	if reversedAt.Valid {
		t := parseTime(reversedAt.String)
		e.ReversedAt = &t
	}
	return e, nil
}

// Helper functions

// buildWhere turns non-empty filter values into a WHERE clause. Columns are
// emitted in sorted order so the statement text is stable.
func buildWhere(filters map[string]string) (string, []any) {
	cols := make([]string, 0, len(filters))
	for col, v := range filters {
		if v != "" {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return "", nil
	}
	sort.Strings(cols)

	clauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		clauses = append(clauses, col+" = ?")
		args = append(args, filters[col])
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// timeFormat is fixed width so ORDER BY created_at sorts chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
