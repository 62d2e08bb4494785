package payroll

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidGradeBand is returned when a grade has no scale row or no
	// relief rate. It is fatal for the whole composition.
	ErrInvalidGradeBand = errors.New("invalid grade band")

	// ErrRunningBasicOutOfRange is returned by ValidateEmployee when the
	// running basic lies outside the grade's bounds.
	ErrRunningBasicOutOfRange = errors.New("running basic out of range")

	// ErrInvalidEmployee is returned by ValidateEmployee for a field outside
	// its allowed range.
	ErrInvalidEmployee = errors.New("invalid employee")

	// ErrEmployeeNotFound is returned by employee stores for an unknown ID.
	ErrEmployeeNotFound = errors.New("employee not found")

	// ErrInvalidRules is returned when configuration fails validation.
	ErrInvalidRules = errors.New("invalid pay rules")

	ErrEmptyScaleTable = fmt.Errorf("%w: no grade scales", ErrInvalidRules)
)

// InvalidGradeBandError names the grade (and year, for relief lookups) that
// could not be resolved.
type InvalidGradeBandError struct {
	Grade int
	Year  int // zero for scale lookups
}

func (e *InvalidGradeBandError) Error() string {
	if e.Year != 0 {
		return fmt.Sprintf("invalid grade band: no relief rate for grade %d in %d", e.Grade, e.Year)
	}
	return fmt.Sprintf("invalid grade band: no scale for grade %d", e.Grade)
}

func (e *InvalidGradeBandError) Unwrap() error {
	return ErrInvalidGradeBand
}

// RunningBasicError describes a running basic outside [Min, Max].
type RunningBasicError struct {
	EmployeeID string
	Grade      int
	Basic      decimal.Decimal
	Min        decimal.Decimal
	Max        decimal.Decimal
}

func (e *RunningBasicError) Error() string {
	return fmt.Sprintf("running basic %s for employee %s outside grade %d range [%s, %s]",
		e.Basic, e.EmployeeID, e.Grade, e.Min, e.Max)
}

func (e *RunningBasicError) Unwrap() error {
	return ErrRunningBasicOutOfRange
}

// IsClientError returns true if the error is due to invalid employee input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidGradeBand) ||
		errors.Is(err, ErrRunningBasicOutOfRange) ||
		errors.Is(err, ErrInvalidEmployee)
}
