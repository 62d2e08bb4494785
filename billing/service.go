package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cfms/salary-budget/internal/metrics"
	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/payroll"
)

// MissingCellPolicy decides what a group without an allocation cell means.
type MissingCellPolicy string

const (
	MissingCellZero   MissingCellPolicy = "zero"
	MissingCellStrict MissingCellPolicy = "strict"
)

var ErrInvalidPolicy = errors.New("missing cell policy must be zero or strict")

func ParseMissingCellPolicy(s string) (MissingCellPolicy, error) {
	switch MissingCellPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MissingCellZero:
		return MissingCellZero, nil
	case MissingCellStrict:
		return MissingCellStrict, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// ReliefFlagWriter persists the relief auto-calculation flag. Implemented
// by the SQLite store.
type ReliefFlagWriter interface {
	MarkReliefAutoCalculated(ctx context.Context, ids []string) (int64, error)
}

// =============================================================================
// RESULTS
// =============================================================================

// Validation is the read-only verdict on a bill.
type Validation struct {
	BillID         string             `json:"bill_id"`
	Groups         []Group            `json:"groups"`
	Shortfalls     []ledger.Shortfall `json:"shortfalls"`
	AutoCalculated []string           `json:"auto_calculated,omitempty"`
}

// OK reports whether every group fits.
func (v Validation) OK() bool {
	return len(v.Shortfalls) == 0
}

// Receipt is returned by a successful Consume.
type Receipt struct {
	BillID         string                    `json:"bill_id"`
	Entries        []ledger.ConsumptionEntry `json:"entries"`
	Total          decimal.Decimal           `json:"total"`
	AutoCalculated []string                  `json:"auto_calculated,omitempty"`
}

// ReleaseResult is returned by Release. AlreadyReversed is set when the bill
// had nothing left to release.
type ReleaseResult struct {
	BillID          string                    `json:"bill_id"`
	Released        []ledger.ConsumptionEntry `json:"released"`
	Total           decimal.Decimal           `json:"total"`
	AlreadyReversed bool                      `json:"already_reversed"`
}

// =============================================================================
// SERVICE
// =============================================================================

// Service validates, consumes and releases salary bills.
type Service struct {
	ledger  *ledger.Ledger
	comp    *payroll.Compositor
	policy  MissingCellPolicy
	flags   ReliefFlagWriter
	log     zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithMissingCellPolicy(p MissingCellPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithReliefFlagWriter persists relief flags after a successful consume.
func WithReliefFlagWriter(w ReliefFlagWriter) Option {
	return func(s *Service) { s.flags = w }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(l *ledger.Ledger, comp *payroll.Compositor, opts ...Option) *Service {
	s := &Service{ledger: l, comp: comp, policy: MissingCellZero, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Aggregate returns the per-cell groups of a bill without reading the ledger.
func (s *Service) Aggregate(b Bill) ([]Group, error) {
	agg, err := aggregate(s.comp, b)
	if err != nil {
		return nil, err
	}
	return agg.groups, nil
}

// Validate reads each group's cell and lists every shortfall. Nothing is
// locked or cached; Consume re-reads under lock.
func (s *Service) Validate(ctx context.Context, b Bill) (Validation, error) {
	agg, err := aggregate(s.comp, b)
	if err != nil {
		return Validation{}, err
	}

	v := Validation{
		BillID:         b.ID,
		Groups:         agg.groups,
		Shortfalls:     []ledger.Shortfall{},
		AutoCalculated: agg.autoCalculated,
	}
	for _, g := range agg.groups {
		available, err := s.available(func() (ledger.Cell, error) { return s.ledger.Cell(ctx, g.Key) }, g.Key)
		if err != nil {
			return Validation{}, err
		}
		if g.Amount.GreaterThan(available) {
			v.Shortfalls = append(v.Shortfalls, ledger.Shortfall{
				Unit:      g.Key.Unit,
				Account:   g.Key.Account,
				Required:  g.Amount,
				Available: available,
			})
		}
	}
	sortShortfalls(v.Shortfalls)
	s.metrics.ObserveShortfalls(len(v.Shortfalls))

	s.log.Debug().
		Str("bill", b.ID).
		Int("groups", len(v.Groups)).
		Int("shortfalls", len(v.Shortfalls)).
		Msg("bill validated")
	return v, nil
}

// available reads a cell through get and applies the missing-cell policy.
func (s *Service) available(get func() (ledger.Cell, error), key ledger.CellKey) (decimal.Decimal, error) {
	cell, err := get()
	if errors.Is(err, ledger.ErrCellNotFound) {
		if s.policy == MissingCellStrict {
			return decimal.Zero, &ledger.UnknownAllocationCellError{Key: key}
		}
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return cell.Available(), nil
}

// Consume deducts every group of the bill or nothing.
//
// Cells are locked in key order and re-read under the lock. When any group
// falls short, the full list is returned as *ledger.InsufficientBudgetError
// and the transaction is rolled back.
func (s *Service) Consume(ctx context.Context, b Bill) (Receipt, error) {
	start := time.Now()
	agg, err := aggregate(s.comp, b)
	if err != nil {
		s.metrics.ObserveConsume(metrics.OutcomeError, b.FiscalYear, b.Fund, decimal.Zero, time.Since(start))
		return Receipt{}, err
	}

	receipt := Receipt{BillID: b.ID, Total: decimal.Zero, AutoCalculated: agg.autoCalculated}
	err = s.ledger.WithTx(ctx, func(tx *ledger.Tx) error {
		// groups are already in key order
		var shortfalls []ledger.Shortfall
		for _, g := range agg.groups {
			available, err := s.available(func() (ledger.Cell, error) { return tx.Lock(ctx, g.Key) }, g.Key)
			if err != nil {
				return err
			}
			if g.Amount.GreaterThan(available) {
				shortfalls = append(shortfalls, ledger.Shortfall{
					Unit:      g.Key.Unit,
					Account:   g.Key.Account,
					Required:  g.Amount,
					Available: available,
				})
			}
		}

		// Checked under the locks so two consumes of one bill cannot both pass.
		existing, err := tx.EntriesForBill(ctx, b.ID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if !e.Reversed {
				return fmt.Errorf("%w: %s", ErrBillAlreadyConsumed, b.ID)
			}
		}
		if len(shortfalls) > 0 {
			sortShortfalls(shortfalls)
			return &ledger.InsufficientBudgetError{Shortfalls: shortfalls}
		}

		entries := make([]ledger.ConsumptionEntry, 0, len(agg.groups))
		for _, g := range agg.groups {
			cell, err := tx.TryConsume(ctx, g.Key, g.Amount)
			if err != nil {
				return err
			}
			entry, err := tx.Record(ctx, ledger.ConsumptionEntry{
				CellID:        cell.ID,
				CellKey:       g.Key,
				BillID:        b.ID,
				Amount:        g.Amount,
				EmployeeCount: g.EmployeeCount,
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			receipt.Total = receipt.Total.Add(g.Amount)
		}
		receipt.Entries = entries
		return nil
	})

	var insufficient *ledger.InsufficientBudgetError
	switch {
	case errors.As(err, &insufficient):
		s.metrics.ObserveShortfalls(len(insufficient.Shortfalls))
		s.metrics.ObserveConsume(metrics.OutcomeInsufficient, b.FiscalYear, b.Fund, decimal.Zero, time.Since(start))
		s.log.Info().
			Str("bill", b.ID).
			Int("shortfalls", len(insufficient.Shortfalls)).
			Msg("bill rejected, insufficient budget")
		return Receipt{}, err
	case err != nil:
		s.metrics.ObserveConsume(metrics.OutcomeError, b.FiscalYear, b.Fund, decimal.Zero, time.Since(start))
		return Receipt{}, err
	}

	s.metrics.ObserveConsume(metrics.OutcomeConsumed, b.FiscalYear, b.Fund, receipt.Total, time.Since(start))
	s.log.Info().
		Str("bill", b.ID).
		Str("fund", b.Fund).
		Int("entries", len(receipt.Entries)).
		Str("total", receipt.Total.String()).
		Msg("bill consumed")

	s.persistReliefFlags(ctx, receipt.AutoCalculated)
	return receipt, nil
}

// persistReliefFlags is best effort. The flag is recomputed on every
// composition, so a failed write only delays it to the next bill.
func (s *Service) persistReliefFlags(ctx context.Context, ids []string) {
	if s.flags == nil || len(ids) == 0 {
		return
	}
	n, err := s.flags.MarkReliefAutoCalculated(ctx, ids)
	if err != nil {
		s.log.Warn().Err(err).Strs("employees", ids).Msg("could not persist relief flags")
		return
	}
	s.log.Debug().Int64("updated", n).Msg("relief flags persisted")
}

// Release returns every active entry of the bill to its cell and marks it
// reversed. A bill with nothing active yields AlreadyReversed and no error.
func (s *Service) Release(ctx context.Context, billID string) (ReleaseResult, error) {
	if strings.TrimSpace(billID) == "" {
		return ReleaseResult{}, fmt.Errorf("%w: missing id", ErrInvalidBill)
	}

	result := ReleaseResult{BillID: billID, Total: decimal.Zero}
	var fiscalYear, fund string
	err := s.ledger.WithTx(ctx, func(tx *ledger.Tx) error {
		entries, err := tx.EntriesForBill(ctx, billID)
		if err != nil {
			return err
		}

		keys := make([]ledger.CellKey, 0, len(entries))
		seen := make(map[ledger.CellKey]bool)
		for _, e := range entries {
			if e.Reversed || seen[e.CellKey] {
				continue
			}
			seen[e.CellKey] = true
			keys = append(keys, e.CellKey)
		}
		ledger.SortKeys(keys)
		for _, k := range keys {
			if _, err := tx.Lock(ctx, k); err != nil {
				return err
			}
		}

		// Re-read under the locks: a concurrent release may have won.
		entries, err = tx.EntriesForBill(ctx, billID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Reversed {
				continue
			}
			if err := tx.MarkReversed(ctx, e.ID); err != nil {
				if errors.Is(err, ledger.ErrAlreadyReversed) {
					continue
				}
				return err
			}
			if _, err := tx.Release(ctx, e.CellKey, e.Amount); err != nil {
				return err
			}
			e.Reversed = true
			result.Released = append(result.Released, e)
			result.Total = result.Total.Add(e.Amount)
			fiscalYear, fund = e.CellKey.FiscalYear, e.CellKey.Fund
		}
		return nil
	})
	if err != nil {
		s.metrics.ObserveRelease(metrics.OutcomeError, "", "", decimal.Zero)
		return ReleaseResult{}, err
	}

	if len(result.Released) == 0 {
		result.AlreadyReversed = true
		s.metrics.ObserveRelease(metrics.OutcomeNoop, "", "", decimal.Zero)
		s.log.Info().Str("bill", billID).Msg("nothing to release")
		return result, nil
	}

	s.metrics.ObserveRelease(metrics.OutcomeReleased, fiscalYear, fund, result.Total)
	s.log.Info().
		Str("bill", billID).
		Int("entries", len(result.Released)).
		Str("total", result.Total.String()).
		Msg("bill released")
	return result, nil
}
