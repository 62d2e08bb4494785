package payroll

import (
	"fmt"
	"strconv"
)

// Component keys used by breakdowns and the account map.
const (
	KeyBasic      = "basic"
	KeyHousing    = "housing"
	KeyConveyance = "conveyance"
	KeyMedical    = "medical"
	KeyDisparity  = "disparity"
	keyReliefPfx  = "relief_"
)

// ReliefKey returns the component key for a relief year, e.g. "relief_2023".
func ReliefKey(year int) string {
	return keyReliefPfx + strconv.Itoa(year)
}

// AccountMap maps component keys to chart-of-accounts codes.
type AccountMap map[string]string

// DefaultAccountMap returns the object codes used for salary bills.
func DefaultAccountMap() AccountMap {
	return AccountMap{
		KeyBasic:        "A01151",
		KeyHousing:      "A01202",
		KeyConveyance:   "A01203",
		KeyMedical:      "A01217",
		ReliefKey(2022): "A0124N",
		ReliefKey(2023): "A0124413",
		ReliefKey(2024): "A0124415",
		ReliefKey(2025): "A0125N",
		KeyDisparity:    "A01257",
	}
}

// AccountFor returns the account for a component key.
func (m AccountMap) AccountFor(key string) (string, bool) {
	code, ok := m[key]
	return code, ok && code != ""
}

// Validate checks that every component the relief table can produce has an
// account.
func (m AccountMap) Validate(relief ReliefTable) error {
	keys := []string{KeyBasic, KeyHousing, KeyConveyance, KeyMedical, KeyDisparity}
	for _, y := range relief.ModeledYears() {
		keys = append(keys, ReliefKey(y))
	}
	for _, k := range keys {
		if _, ok := m.AccountFor(k); !ok {
			return fmt.Errorf("%w: no account for component %q", ErrInvalidRules, k)
		}
	}
	return nil
}
