/*
errors.go - Centralized error types for the allocation ledger

ERROR CATEGORIES:
  1. Budget errors - Consumption beyond available balance
  2. Validation errors - Bad keys, negative amounts, over-allocation
  3. Store errors - Missing rows, version conflicts

USAGE:
  var insufficient *ledger.InsufficientBudgetError
  if errors.As(err, &insufficient) {
      for _, s := range insufficient.Shortfalls { ... }
  }
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBudget is returned when one or more cells cannot cover
	// the requested amount.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrUnknownAllocationCell is returned when a required cell does not
	// exist and missing cells are not treated as zero.
	ErrUnknownAllocationCell = errors.New("unknown allocation cell")

	// ErrCellNotFound is returned by stores for a missing cell.
	ErrCellNotFound = errors.New("allocation cell not found")

	// ErrEntryNotFound is returned by stores for a missing consumption entry.
	ErrEntryNotFound = errors.New("consumption entry not found")

	// ErrConcurrentModification is returned when a version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAlreadyReversed is informational. Release reports it as a no-op
	// result, never as a failure.
	ErrAlreadyReversed = errors.New("consumption already reversed")

	ErrNegativeAmount          = errors.New("amount must not be negative")
	ErrInvalidCellKey          = errors.New("invalid allocation cell key")
	ErrAllocationBelowConsumed = errors.New("allocation below consumed amount")
	ErrDuplicateCell           = errors.New("allocation cell already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Shortfall describes one group whose requirement exceeds the cell balance.
type Shortfall struct {
	Unit      string          `json:"unit"`
	Account   string          `json:"account"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
}

// Missing returns Required - Available.
func (s Shortfall) Missing() decimal.Decimal {
	return s.Required.Sub(s.Available)
}

// InsufficientBudgetError carries every failing group, not just the first.
type InsufficientBudgetError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientBudgetError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s/%s required %s available %s",
			s.Unit, s.Account, s.Required, s.Available))
	}
	return fmt.Sprintf("insufficient budget: %s", strings.Join(parts, "; "))
}

func (e *InsufficientBudgetError) Unwrap() error {
	return ErrInsufficientBudget
}

// UnknownAllocationCellError names the missing cell.
type UnknownAllocationCellError struct {
	Key CellKey
}

func (e *UnknownAllocationCellError) Error() string {
	return fmt.Sprintf("unknown allocation cell: %s", e.Key)
}

func (e *UnknownAllocationCellError) Unwrap() error {
	return ErrUnknownAllocationCell
}

// AllocationBelowConsumedError is returned when an overwrite would drop the
// allocation under what is already consumed.
type AllocationBelowConsumedError struct {
	Key       CellKey
	Allocated decimal.Decimal
	Consumed  decimal.Decimal
}

func (e *AllocationBelowConsumedError) Error() string {
	return fmt.Sprintf("allocation %s for %s is below consumed %s", e.Allocated, e.Key, e.Consumed)
}

func (e *AllocationBelowConsumedError) Unwrap() error {
	return ErrAllocationBelowConsumed
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or
// an unmet budget condition.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBudget) ||
		errors.Is(err, ErrUnknownAllocationCell) ||
		errors.Is(err, ErrNegativeAmount) ||
		errors.Is(err, ErrInvalidCellKey) ||
		errors.Is(err, ErrAllocationBelowConsumed)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCellNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
