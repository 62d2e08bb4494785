/*
handlers.go - HTTP API handlers for the salary budget engine

PURPOSE:
  Exposes bill validation, consumption, distribution and the audit queries
  as a JSON API. Handlers parse requests, load employees, delegate to the
  domain packages, and map domain errors onto HTTP status codes.

ENDPOINTS:
  Bills:
    POST   /api/bills/validate          Shortfall report, no mutation
    POST   /api/bills/consume           Atomic consume (409 with shortfalls)
    POST   /api/bills/{id}/release      Idempotent release

  Distributions:
    POST   /api/distributions           Headcount split (mode, dry_run)

  Ledger:
    GET    /api/allocations             Cell status (?fiscal_year=&unit=)
    GET    /api/allocations/alerts      Cells at or above a utilization threshold
    GET    /api/allocations/{unit}/{fy}/{fund}/{account}  One cell
    GET    /api/consumptions            Entries (?fiscal_year=&unit=&bill_id=)

  Employees:
    GET    /api/employees               List
    PUT    /api/employees/{id}          Upsert, validated against grade bounds
    GET    /api/employees/{id}/breakdown Monthly breakdown (?projected=true)

ERROR HANDLING:
  - 400: Malformed input, invalid bill, invalid distribution request
  - 404: Unknown employee or allocation cell
  - 409: Insufficient budget (details carry every shortfall), bill already
         consumed, overwrite below consumed, concurrent modification
  - 422: Unknown grade band, running basic out of range, invalid employee
         fields, unknown cell
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Approval workflow and permissions live in the
  surrounding system.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cfms/salary-budget/billing"
	"github.com/cfms/salary-budget/distribution"
	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/payroll"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// EmployeeStore is the employee persistence the handlers need.
type EmployeeStore interface {
	GetEmployee(ctx context.Context, id string) (payroll.Employee, error)
	GetEmployees(ctx context.Context, ids []string) (map[string]payroll.Employee, error)
	ListEmployees(ctx context.Context) ([]payroll.Employee, error)
	SaveEmployee(ctx context.Context, emp payroll.Employee) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Employees      EmployeeStore
	Ledger         *ledger.Ledger
	Bills          *billing.Service
	Distributor    *distribution.Engine
	Compositor     *payroll.Compositor
	AlertThreshold decimal.Decimal

	log zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(
	employees EmployeeStore,
	l *ledger.Ledger,
	bills *billing.Service,
	distributor *distribution.Engine,
	comp *payroll.Compositor,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		Employees:      employees,
		Ledger:         l,
		Bills:          bills,
		Distributor:    distributor,
		Compositor:     comp,
		AlertThreshold: ledger.DefaultAlertThreshold,
		log:            log,
	}
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// ValidateBill reports every shortfall of a bill without mutating anything.
// POST /api/bills/validate
func (h *Handler) ValidateBill(w http.ResponseWriter, r *http.Request) {
	bill, ok := h.decodeBill(w, r)
	if !ok {
		return
	}

	v, err := h.Bills.Validate(r.Context(), bill)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := ValidationDTO{
		BillID:         v.BillID,
		OK:             v.OK(),
		Groups:         make([]GroupDTO, 0, len(v.Groups)),
		Shortfalls:     toShortfallDTOs(v.Shortfalls),
		AutoCalculated: v.AutoCalculated,
	}
	for _, g := range v.Groups {
		dto.Groups = append(dto.Groups, GroupDTO{
			Unit:          g.Key.Unit,
			FiscalYear:    g.Key.FiscalYear,
			Fund:          g.Key.Fund,
			Account:       g.Key.Account,
			Amount:        g.Amount,
			EmployeeCount: g.EmployeeCount,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// ConsumeBill deducts a bill from its allocation cells, all or nothing.
// POST /api/bills/consume
func (h *Handler) ConsumeBill(w http.ResponseWriter, r *http.Request) {
	bill, ok := h.decodeBill(w, r)
	if !ok {
		return
	}

	receipt, err := h.Bills.Consume(r.Context(), bill)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ReceiptDTO{
		BillID:         receipt.BillID,
		Total:          receipt.Total,
		Entries:        toEntryDTOs(receipt.Entries),
		AutoCalculated: receipt.AutoCalculated,
	})
}

// ReleaseBill returns a cancelled bill's consumption to its cells.
// POST /api/bills/{id}/release
func (h *Handler) ReleaseBill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.Bills.Release(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ReleaseDTO{
		BillID:          res.BillID,
		Total:           res.Total,
		Released:        toEntryDTOs(res.Released),
		AlreadyReversed: res.AlreadyReversed,
	})
}

// decodeBill parses a BillRequest and loads its employees.
func (h *Handler) decodeBill(w http.ResponseWriter, r *http.Request) (billing.Bill, bool) {
	var req BillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return billing.Bill{}, false
	}
	if req.ID == "" || req.Fund == "" || len(req.Lines) == 0 {
		writeError(w, http.StatusBadRequest, "id, fund and lines are required", nil)
		return billing.Bill{}, false
	}

	ids := make([]string, 0, len(req.Lines))
	for _, l := range req.Lines {
		ids = append(ids, l.EmployeeID)
	}
	employees, err := h.Employees.GetEmployees(r.Context(), ids)
	if err != nil {
		h.writeDomainError(w, err)
		return billing.Bill{}, false
	}

	bill := billing.Bill{ID: req.ID, FiscalYear: req.FiscalYear, Fund: req.Fund}
	for _, l := range req.Lines {
		bill.Lines = append(bill.Lines, billing.Line{
			Employee:   employees[l.EmployeeID],
			Unit:       l.Unit,
			FiscalYear: l.FiscalYear,
		})
	}
	return bill, true
}

// =============================================================================
// DISTRIBUTION HANDLERS
// =============================================================================

// Distribute splits a total across units by headcount.
// POST /api/distributions
func (h *Handler) Distribute(w http.ResponseWriter, r *http.Request) {
	var req DistributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	mode, err := distribution.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "mode must be OVERWRITE or TOP_UP", err)
		return
	}

	units := req.Units
	if len(units) == 0 {
		employees, err := h.Employees.ListEmployees(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list employees", err)
			return
		}
		units = distribution.HeadcountByUnit(employees)
	}

	res, err := h.Distributor.Distribute(r.Context(), distribution.Request{
		FiscalYear: req.FiscalYear,
		Fund:       req.Fund,
		Account:    req.Account,
		Total:      req.Total,
		Units:      units,
		Mode:       mode,
		DryRun:     req.DryRun,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if res.DryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListAllocations returns the status of every cell in a fiscal year.
// GET /api/allocations?fiscal_year=&unit=
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.Ledger.Status(r.Context(), q.Get("fiscal_year"), q.Get("unit"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list allocations", err)
		return
	}

	dtos := make([]CellDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, toCellDTO(row))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAllocation returns one cell.
// GET /api/allocations/{unit}/{fiscalYear}/{fund}/{account}
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	key := ledger.CellKey{
		Unit:       chi.URLParam(r, "unit"),
		FiscalYear: chi.URLParam(r, "fiscalYear"),
		Fund:       chi.URLParam(r, "fund"),
		Account:    chi.URLParam(r, "account"),
	}
	cell, err := h.Ledger.Cell(r.Context(), key)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCellDTO(ledger.StatusOf(cell)))
}

// ListAlerts returns cells at or above the utilization threshold.
// GET /api/allocations/alerts?fiscal_year=&threshold=
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	threshold := h.AlertThreshold
	if raw := q.Get("threshold"); raw != "" {
		t, err := decimal.NewFromString(raw)
		if err != nil || t.IsNegative() {
			writeError(w, http.StatusBadRequest, "threshold must be a non-negative number", err)
			return
		}
		threshold = t
	}

	rows, err := h.Ledger.Alerts(r.Context(), q.Get("fiscal_year"), threshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list alerts", err)
		return
	}

	dtos := make([]CellDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, toCellDTO(row))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListConsumptions returns consumption entries.
// GET /api/consumptions?fiscal_year=&unit=&bill_id=&include_reversed=
func (h *Handler) ListConsumptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeReversed, _ := strconv.ParseBool(q.Get("include_reversed"))

	entries, err := h.Ledger.Consumptions(r.Context(), ledger.ConsumptionFilter{
		FiscalYear:      q.Get("fiscal_year"),
		Unit:            q.Get("unit"),
		BillID:          q.Get("bill_id"),
		IncludeReversed: includeReversed,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list consumptions", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// ListEmployees returns all employees.
// GET /api/employees
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Employees.ListEmployees(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list employees", err)
		return
	}

	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PutEmployee creates or replaces an employee.
// PUT /api/employees/{id}
func (h *Handler) PutEmployee(w http.ResponseWriter, r *http.Request) {
	var dto EmployeeDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	dto.ID = chi.URLParam(r, "id")
	if strings.TrimSpace(dto.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	dto.City = strings.ToUpper(strings.TrimSpace(dto.City))
	if dto.City != "" && dto.City != string(payroll.CityLarge) && dto.City != string(payroll.CityOther) {
		writeError(w, http.StatusBadRequest, "city must be LARGE or OTHER", nil)
		return
	}

	emp := dto.toEmployee()
	if err := h.Compositor.ValidateEmployee(emp); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.Employees.SaveEmployee(r.Context(), emp); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp))
}

// GetBreakdown returns an employee's itemized monthly salary.
// GET /api/employees/{id}/breakdown?projected=true
func (h *Handler) GetBreakdown(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Employees.GetEmployee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	projected, _ := strconv.ParseBool(r.URL.Query().Get("projected"))
	var b payroll.Breakdown
	if projected {
		b, err = h.Compositor.Project(emp)
	} else {
		b, err = h.Compositor.Compose(emp)
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakdownDTO(b, h.Compositor.Rules().Accounts, projected))
}

// =============================================================================
// HELPERS
// =============================================================================

// writeDomainError maps domain errors onto HTTP responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientBudgetError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Insufficient budget",
			Code:    "INSUFFICIENT_BUDGET",
			Details: toShortfallDTOs(insufficient.Shortfalls),
		})
	case errors.Is(err, billing.ErrBillAlreadyConsumed):
		writeCodedError(w, http.StatusConflict, "BILL_ALREADY_CONSUMED", err)
	case errors.Is(err, ledger.ErrAllocationBelowConsumed):
		writeCodedError(w, http.StatusConflict, "ALLOCATION_BELOW_CONSUMED", err)
	case ledger.IsRetryable(err):
		writeCodedError(w, http.StatusConflict, "CONCURRENT_MODIFICATION", err)
	case errors.Is(err, payroll.ErrEmployeeNotFound):
		writeCodedError(w, http.StatusNotFound, "EMPLOYEE_NOT_FOUND", err)
	case ledger.IsNotFound(err):
		writeCodedError(w, http.StatusNotFound, "NOT_FOUND", err)
	case errors.Is(err, ledger.ErrUnknownAllocationCell):
		writeCodedError(w, http.StatusUnprocessableEntity, "UNKNOWN_ALLOCATION_CELL", err)
	case errors.Is(err, payroll.ErrInvalidGradeBand):
		writeCodedError(w, http.StatusUnprocessableEntity, "INVALID_GRADE_BAND", err)
	case errors.Is(err, payroll.ErrRunningBasicOutOfRange):
		writeCodedError(w, http.StatusUnprocessableEntity, "RUNNING_BASIC_OUT_OF_RANGE", err)
	case errors.Is(err, payroll.ErrInvalidEmployee):
		writeCodedError(w, http.StatusUnprocessableEntity, "INVALID_EMPLOYEE", err)
	case errors.Is(err, billing.ErrInvalidBill),
		errors.Is(err, distribution.ErrInvalidMode),
		errors.Is(err, distribution.ErrNoHeadcount),
		errors.Is(err, distribution.ErrInvalidUnits),
		errors.Is(err, distribution.ErrInvalidTotal),
		ledger.IsClientError(err):
		writeCodedError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
	default:
		h.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeCodedError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
