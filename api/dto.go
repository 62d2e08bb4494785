/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the HTTP adapter. Domain types stay free
  of transport concerns; handlers convert between the two.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every amount is a decimal encoded as a JSON string ("61100.00") so no
  client ever rounds through a float. Requests accept strings or numbers.

TYPES:
  Bills:          BillRequest, BillLineRequest
  Distributions:  DistributionRequest
  Employees:      EmployeeDTO, BreakdownDTO
  Ledger:         CellDTO, EntryDTO
  Errors:         ErrorResponse

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cfms/salary-budget/distribution"
	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/payroll"
)

// =============================================================================
// BILLS
// =============================================================================

// BillRequest carries employee IDs; employees are loaded from the store.
type BillRequest struct {
	ID         string            `json:"id"`
	FiscalYear string            `json:"fiscal_year"`
	Fund       string            `json:"fund"`
	Lines      []BillLineRequest `json:"lines"`
}

// BillLineRequest is one employee on a bill. Unit and fiscal year are
// optional overrides.
type BillLineRequest struct {
	EmployeeID string `json:"employee_id"`
	Unit       string `json:"unit,omitempty"`
	FiscalYear string `json:"fiscal_year,omitempty"`
}

// =============================================================================
// DISTRIBUTIONS
// =============================================================================

// DistributionRequest starts a distribution run. When Units is empty the
// headcount is taken from the stored employees.
type DistributionRequest struct {
	FiscalYear string                       `json:"fiscal_year"`
	Fund       string                       `json:"fund"`
	Account    string                       `json:"account"`
	Total      decimal.Decimal              `json:"total"`
	Units      []distribution.UnitHeadcount `json:"units,omitempty"`
	Mode       string                       `json:"mode"`
	DryRun     bool                         `json:"dry_run"`
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// EmployeeDTO is both the PUT body and the response shape of an employee.
type EmployeeDTO struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name"`
	Grade                int                 `json:"grade"`
	RunningBasic         decimal.Decimal     `json:"running_basic"`
	City                 string              `json:"city"`
	GovtAccommodation    bool                `json:"govt_accommodation"`
	HouseHiring          bool                `json:"house_hiring"`
	FrozenRelief         decimal.NullDecimal `json:"frozen_relief"`
	ReliefAutoCalculated bool                `json:"relief_auto_calculated"`
	Disparity            decimal.Decimal     `json:"disparity"`
	Unit                 string              `json:"unit"`
	ExpectedIncreasePct  decimal.Decimal     `json:"expected_increase_pct"`
	Vacant               bool                `json:"vacant"`
}

func toEmployeeDTO(e payroll.Employee) EmployeeDTO {
	return EmployeeDTO{
		ID:                   e.ID,
		Name:                 e.Name,
		Grade:                e.Grade,
		RunningBasic:         e.RunningBasic,
		City:                 string(e.City),
		GovtAccommodation:    e.GovtAccommodation,
		HouseHiring:          e.HouseHiring,
		FrozenRelief:         e.FrozenRelief,
		ReliefAutoCalculated: e.ReliefAutoCalculated,
		Disparity:            e.Disparity,
		Unit:                 e.Unit,
		ExpectedIncreasePct:  e.ExpectedIncreasePct,
		Vacant:               e.Vacant,
	}
}

func (d EmployeeDTO) toEmployee() payroll.Employee {
	city := payroll.CityCategory(d.City)
	if city == "" {
		city = payroll.CityOther
	}
	return payroll.Employee{
		ID:                   d.ID,
		Name:                 d.Name,
		Grade:                d.Grade,
		RunningBasic:         d.RunningBasic,
		City:                 city,
		GovtAccommodation:    d.GovtAccommodation,
		HouseHiring:          d.HouseHiring,
		FrozenRelief:         d.FrozenRelief,
		ReliefAutoCalculated: d.ReliefAutoCalculated,
		Disparity:            d.Disparity,
		Unit:                 d.Unit,
		ExpectedIncreasePct:  d.ExpectedIncreasePct,
		Vacant:               d.Vacant,
	}
}

// ReliefItemDTO is one relief year of a breakdown.
type ReliefItemDTO struct {
	Year           int             `json:"year"`
	Amount         decimal.Decimal `json:"amount"`
	AutoCalculated bool            `json:"auto_calculated,omitempty"`
}

// ComponentDTO is one breakdown line with its account.
type ComponentDTO struct {
	Key     string          `json:"key"`
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// BreakdownDTO is the itemized monthly salary of an employee.
type BreakdownDTO struct {
	EmployeeID     string          `json:"employee_id"`
	Grade          int             `json:"grade"`
	Projected      bool            `json:"projected"`
	RunningBasic   decimal.Decimal `json:"running_basic"`
	Housing        decimal.Decimal `json:"housing"`
	Conveyance     decimal.Decimal `json:"conveyance"`
	Medical        decimal.Decimal `json:"medical"`
	Relief         []ReliefItemDTO `json:"relief"`
	ReliefTotal    decimal.Decimal `json:"relief_total"`
	Disparity      decimal.Decimal `json:"disparity"`
	MonthlyGross   decimal.Decimal `json:"monthly_gross"`
	AnnualCost     decimal.Decimal `json:"annual_cost"`
	Components     []ComponentDTO  `json:"components"`
	AutoCalculated bool            `json:"relief_auto_calculated"`
}

func toBreakdownDTO(b payroll.Breakdown, accounts payroll.AccountMap, projected bool) BreakdownDTO {
	dto := BreakdownDTO{
		EmployeeID:     b.EmployeeID,
		Grade:          b.Grade,
		Projected:      projected,
		RunningBasic:   b.RunningBasic,
		Housing:        b.Housing,
		Conveyance:     b.Conveyance,
		Medical:        b.Medical,
		ReliefTotal:    b.Relief.Total,
		Disparity:      b.Disparity,
		MonthlyGross:   b.MonthlyGross,
		AnnualCost:     b.AnnualCost,
		AutoCalculated: b.Relief.AutoCalculated,
	}
	for _, item := range b.Relief.Items {
		dto.Relief = append(dto.Relief, ReliefItemDTO{Year: item.Year, Amount: item.Amount, AutoCalculated: item.AutoCalculated})
	}
	for _, c := range b.Components() {
		account, _ := accounts.AccountFor(c.Key)
		dto.Components = append(dto.Components, ComponentDTO{Key: c.Key, Account: account, Amount: c.Amount})
	}
	return dto
}

// =============================================================================
// LEDGER
// =============================================================================

// CellDTO is one allocation cell with derived figures.
type CellDTO struct {
	Unit        string          `json:"unit"`
	FiscalYear  string          `json:"fiscal_year"`
	Fund        string          `json:"fund"`
	Account     string          `json:"account"`
	Allocated   decimal.Decimal `json:"allocated"`
	Consumed    decimal.Decimal `json:"consumed"`
	Available   decimal.Decimal `json:"available"`
	Utilization decimal.Decimal `json:"utilization"`
}

func toCellDTO(r ledger.StatusRow) CellDTO {
	return CellDTO{
		Unit:        r.Key.Unit,
		FiscalYear:  r.Key.FiscalYear,
		Fund:        r.Key.Fund,
		Account:     r.Key.Account,
		Allocated:   r.Allocated,
		Consumed:    r.Consumed,
		Available:   r.Available,
		Utilization: r.Utilization,
	}
}

// EntryDTO is one consumption entry.
type EntryDTO struct {
	ID            string          `json:"id"`
	BillID        string          `json:"bill_id"`
	Unit          string          `json:"unit"`
	FiscalYear    string          `json:"fiscal_year"`
	Fund          string          `json:"fund"`
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	EmployeeCount int             `json:"employee_count"`
	Reversed      bool            `json:"reversed"`
	CreatedAt     string          `json:"created_at"`
	ReversedAt    string          `json:"reversed_at,omitempty"`
}

func toEntryDTOs(entries []ledger.ConsumptionEntry) []EntryDTO {
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dto := EntryDTO{
			ID:            e.ID.String(),
			BillID:        e.BillID,
			Unit:          e.CellKey.Unit,
			FiscalYear:    e.CellKey.FiscalYear,
			Fund:          e.CellKey.Fund,
			Account:       e.CellKey.Account,
			Amount:        e.Amount,
			EmployeeCount: e.EmployeeCount,
			Reversed:      e.Reversed,
			CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		}
		if e.ReversedAt != nil {
			dto.ReversedAt = e.ReversedAt.Format(time.RFC3339)
		}
		dtos = append(dtos, dto)
	}
	return dtos
}

// ShortfallDTO is one group the cell balance cannot cover.
type ShortfallDTO struct {
	Unit      string          `json:"unit"`
	Account   string          `json:"account"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
	Missing   decimal.Decimal `json:"missing"`
}

func toShortfallDTOs(shortfalls []ledger.Shortfall) []ShortfallDTO {
	dtos := make([]ShortfallDTO, 0, len(shortfalls))
	for _, s := range shortfalls {
		dtos = append(dtos, ShortfallDTO{
			Unit:      s.Unit,
			Account:   s.Account,
			Required:  s.Required,
			Available: s.Available,
			Missing:   s.Missing(),
		})
	}
	return dtos
}

// GroupDTO is one (unit, account) requirement of a bill.
type GroupDTO struct {
	Unit          string          `json:"unit"`
	FiscalYear    string          `json:"fiscal_year"`
	Fund          string          `json:"fund"`
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	EmployeeCount int             `json:"employee_count"`
}

// ValidationDTO is the response of the validate endpoint.
type ValidationDTO struct {
	BillID         string             `json:"bill_id"`
	OK             bool               `json:"ok"`
	Groups         []GroupDTO         `json:"groups"`
	Shortfalls     []ShortfallDTO     `json:"shortfalls"`
	AutoCalculated []string           `json:"auto_calculated,omitempty"`
}

// ReceiptDTO is the response of the consume endpoint.
type ReceiptDTO struct {
	BillID         string          `json:"bill_id"`
	Total          decimal.Decimal `json:"total"`
	Entries        []EntryDTO      `json:"entries"`
	AutoCalculated []string        `json:"auto_calculated,omitempty"`
}

// ReleaseDTO is the response of the release endpoint.
type ReleaseDTO struct {
	BillID          string          `json:"bill_id"`
	Total           decimal.Decimal `json:"total"`
	Released        []EntryDTO      `json:"released"`
	AlreadyReversed bool            `json:"already_reversed"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
