// Command export writes the allocation cells and consumption entries of a
// fiscal year to an xlsx workbook or a pair of CSV files.
//
//	export -fy 2024-25 -format xlsx -out budget.xlsx
//	export -fy 2024-25 -format csv -out budget   # budget-allocations.csv, budget-consumptions.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/cfms/salary-budget/export"
	"github.com/cfms/salary-budget/internal/config"
	"github.com/cfms/salary-budget/internal/logging"
	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/store/sqlite"
)

func main() {
	cfg := config.Load()

	fy := flag.String("fy", "", "fiscal year (default: all)")
	unit := flag.String("unit", "", "restrict to one unit")
	format := flag.String("format", "xlsx", "xlsx or csv")
	out := flag.String("out", "budget", "output file (xlsx) or prefix (csv)")
	includeReversed := flag.Bool("include-reversed", true, "include reversed consumption entries")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	flag.Parse()

	logger := logging.Setup(cfg.LogFormat, cfg.LogLevel)

	f, err := export.ParseFormat(*format)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid -format")
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *dbPath).Msg("failed to open database")
	}
	defer store.Close()

	ctx := context.Background()
	l := ledger.New(store)
	cells, err := l.Cells(ctx, ledger.CellFilter{FiscalYear: *fy, Unit: *unit})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list cells")
	}
	entries, err := l.Consumptions(ctx, ledger.ConsumptionFilter{FiscalYear: *fy, Unit: *unit, IncludeReversed: *includeReversed})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list consumptions")
	}

	var written []string
	switch f {
	case export.FormatXLSX:
		path := *out
		if !strings.HasSuffix(strings.ToLower(path), ".xlsx") {
			path += ".xlsx"
		}
		err = writeFile(path, func(file *os.File) error { return export.WriteWorkbook(file, cells, entries) })
		written = append(written, path)
	case export.FormatCSV:
		prefix := strings.TrimSuffix(*out, ".csv")
		cellsPath, entriesPath := prefix+"-allocations.csv", prefix+"-consumptions.csv"
		err = writeFile(cellsPath, func(file *os.File) error { return export.WriteCellsCSV(file, cells) })
		if err == nil {
			err = writeFile(entriesPath, func(file *os.File) error { return export.WriteEntriesCSV(file, entries) })
		}
		written = append(written, cellsPath, entriesPath)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("export failed")
	}

	logger.Info().
		Strs("files", written).
		Int("cells", len(cells)).
		Int("entries", len(entries)).
		Msg("export written")
}

func writeFile(path string, write func(*os.File) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return file.Close()
}
