// Command distribute splits a budget total across units by headcount and
// writes the result into the allocation ledger.
//
// Headcount is read from the stored employees unless -units is given:
//
//	distribute -fy 2024-25 -fund F1 -account A01151 -amount 942657799 -mode overwrite
//	distribute -fy 2024-25 -fund F1 -account A01151 -amount 1000 -mode top_up -units A:10,B:0,C:5 -dry-run
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cfms/salary-budget/distribution"
	"github.com/cfms/salary-budget/internal/config"
	"github.com/cfms/salary-budget/internal/logging"
	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/store/sqlite"
)

func main() {
	cfg := config.Load()

	fy := flag.String("fy", "", "fiscal year, e.g. 2024-25")
	fund := flag.String("fund", "", "fund code")
	account := flag.String("account", "", "account code")
	amount := flag.String("amount", "", "total amount to distribute")
	mode := flag.String("mode", "", "OVERWRITE or TOP_UP")
	units := flag.String("units", "", "explicit headcounts as UNIT:N,UNIT:N (default: from employees)")
	dryRun := flag.Bool("dry-run", false, "compute without writing")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	flag.Parse()

	logger := logging.Setup(cfg.LogFormat, cfg.LogLevel)

	if err := run(context.Background(), logger, *dbPath, *fy, *fund, *account, *amount, *mode, *units, *dryRun); err != nil {
		logger.Error().Err(err).Msg("distribution failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, logger zerolog.Logger, dbPath, fy, fund, account, amount, modeFlag, unitsFlag string, dryRun bool) error {
	total, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("invalid -amount %q: %w", amount, err)
	}
	mode, err := distribution.ParseMode(modeFlag)
	if err != nil {
		return err
	}

	store, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var headcounts []distribution.UnitHeadcount
	if unitsFlag != "" {
		if headcounts, err = parseUnits(unitsFlag); err != nil {
			return err
		}
	} else {
		employees, err := store.ListEmployees(ctx)
		if err != nil {
			return err
		}
		headcounts = distribution.HeadcountByUnit(employees)
	}

	engine := distribution.NewEngine(ledger.New(store, ledger.WithLogger(logger)), distribution.WithLogger(logger))
	res, err := engine.Distribute(ctx, distribution.Request{
		FiscalYear: fy,
		Fund:       fund,
		Account:    account,
		Total:      total,
		Units:      headcounts,
		Mode:       mode,
		DryRun:     dryRun,
	})
	if err != nil {
		return err
	}

	printResult(res)
	return nil
}

func parseUnits(raw string) ([]distribution.UnitHeadcount, error) {
	var out []distribution.UnitHeadcount
	for _, part := range strings.Split(raw, ",") {
		unit, n, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("invalid unit %q, want UNIT:N", part)
		}
		count, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid headcount for %q: %w", unit, err)
		}
		out = append(out, distribution.UnitHeadcount{Unit: strings.TrimSpace(unit), Headcount: count})
	}
	return out, nil
}

func printResult(res distribution.Result) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "UNIT\tHEADCOUNT\tWEIGHT\tPREVIOUS\tAMOUNT\t")
	for _, l := range res.Lines {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t\n", l.Unit, l.Headcount, l.Weight, l.Previous.StringFixed(2), l.Amount.StringFixed(2))
	}
	tw.Flush()

	fmt.Printf("\nmode %s, total %s", res.Mode, res.Total.StringFixed(2))
	if !res.Remainder.IsZero() {
		fmt.Printf(", rounding remainder %s added to %s", res.Remainder.StringFixed(2), res.RemainderUnit)
	}
	if res.DryRun {
		fmt.Print(" (dry run, nothing written)")
	}
	fmt.Println()
}
