// Package export writes allocation cells and consumption entries to
// spreadsheets for audit.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cfms/salary-budget/ledger"
)

// Format selects the output encoding.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// Sheet names in the workbook.
const (
	SheetAllocations  = "Allocations"
	SheetConsumptions = "Consumptions"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

var (
	cellHeader  = []string{"Unit", "Fiscal Year", "Fund", "Account", "Allocated", "Consumed", "Available", "Utilization %", "Updated At"}
	entryHeader = []string{"Entry ID", "Bill ID", "Unit", "Fiscal Year", "Fund", "Account", "Amount", "Employees", "Reversed", "Created At", "Reversed At"}
)

// =============================================================================
// XLSX
// =============================================================================

// WriteWorkbook writes one sheet of cells and one of entries. Amounts are
// written as numbers so the sheet can be summed.
func WriteWorkbook(w io.Writer, cells []ledger.Cell, entries []ledger.ConsumptionEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetAllocations); err != nil {
		return err
	}
	if _, err := f.NewSheet(SheetConsumptions); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	cellRows := make([][]any, 0, len(cells))
	for _, c := range cells {
		cellRows = append(cellRows, []any{
			c.Key.Unit, c.Key.FiscalYear, c.Key.Fund, c.Key.Account,
			c.Allocated.InexactFloat64(),
			c.Consumed.InexactFloat64(),
			c.Available().InexactFloat64(),
			c.Utilization().InexactFloat64(),
			formatTime(c.UpdatedAt),
		})
	}
	if err := writeSheet(f, SheetAllocations, cellHeader, cellRows, bold); err != nil {
		return err
	}

	entryRows := make([][]any, 0, len(entries))
	for _, e := range entries {
		reversedAt := ""
		if e.ReversedAt != nil {
			reversedAt = formatTime(*e.ReversedAt)
		}
		entryRows = append(entryRows, []any{
			e.ID.String(), e.BillID,
			e.CellKey.Unit, e.CellKey.FiscalYear, e.CellKey.Fund, e.CellKey.Account,
			e.Amount.InexactFloat64(),
			e.EmployeeCount,
			e.Reversed,
			formatTime(e.CreatedAt),
			reversedAt,
		})
	}
	if err := writeSheet(f, SheetConsumptions, entryHeader, entryRows, bold); err != nil {
		return err
	}

	return f.Write(w)
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]any, headerStyle int) error {
	head := make([]any, len(header))
	for i, h := range header {
		head[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &head); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return err
	}

	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &rows[i]); err != nil {
			return err
		}
	}

	last, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", last, 16)
}

// =============================================================================
// CSV
// =============================================================================

// WriteCellsCSV writes cells with exact decimal strings.
func WriteCellsCSV(w io.Writer, cells []ledger.Cell) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cellHeader); err != nil {
		return err
	}
	for _, c := range cells {
		err := cw.Write([]string{
			c.Key.Unit, c.Key.FiscalYear, c.Key.Fund, c.Key.Account,
			c.Allocated.StringFixed(2),
			c.Consumed.StringFixed(2),
			c.Available().StringFixed(2),
			c.Utilization().StringFixed(2),
			formatTime(c.UpdatedAt),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEntriesCSV writes consumption entries with exact decimal strings.
func WriteEntriesCSV(w io.Writer, entries []ledger.ConsumptionEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(entryHeader); err != nil {
		return err
	}
	for _, e := range entries {
		reversedAt := ""
		if e.ReversedAt != nil {
			reversedAt = formatTime(*e.ReversedAt)
		}
		err := cw.Write([]string{
			e.ID.String(), e.BillID,
			e.CellKey.Unit, e.CellKey.FiscalYear, e.CellKey.Fund, e.CellKey.Account,
			e.Amount.StringFixed(2),
			strconv.Itoa(e.EmployeeCount),
			strconv.FormatBool(e.Reversed),
			formatTime(e.CreatedAt),
			reversedAt,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
