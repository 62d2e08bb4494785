/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Bill validate / consume / release round trip
- Error mapping (409 shortfalls, 404 employee, 422 grade, 400 mode)
- Distribution dry run and employee-derived headcount
- Employee upsert and breakdown
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfms/salary-budget/api"
	"github.com/cfms/salary-budget/billing"
	"github.com/cfms/salary-budget/distribution"
	"github.com/cfms/salary-budget/internal/metrics"
	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/payroll"
	"github.com/cfms/salary-budget/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	router http.Handler
	store  *sqlite.Store
	ledger *ledger.Ledger
	bills  *billing.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := metrics.New()
	require.NoError(t, err)

	comp := payroll.NewCompositor(payroll.DefaultRules())
	l := ledger.New(store)
	bills := billing.NewService(l, comp, billing.WithReliefFlagWriter(store), billing.WithMetrics(m))
	dist := distribution.NewEngine(l, distribution.WithMetrics(m))

	h := api.NewHandler(store, l, bills, dist, comp, zerolog.Nop())
	return &testServer{
		router: api.NewRouter(h, api.RouterOptions{Metrics: m}),
		store:  store,
		ledger: l,
		bills:  bills,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (s *testServer) seedEmployee(t *testing.T, id, unit string) {
	t.Helper()
	require.NoError(t, s.store.SaveEmployee(context.Background(), payroll.Employee{
		ID:           id,
		Name:         "Employee " + id,
		Grade:        7,
		RunningBasic: dec("32000"),
		City:         payroll.CityOther,
		FrozenRelief: decimal.NewNullDecimal(dec("1200")),
		Disparity:    dec("500"),
		Unit:         unit,
	}))
}

// fund allocates exactly what one grade 7 employee in unit needs.
func (s *testServer) fund(t *testing.T, id, unit string) {
	t.Helper()
	emp, err := s.store.GetEmployee(context.Background(), id)
	require.NoError(t, err)
	groups, err := s.bills.Aggregate(billing.Bill{
		ID: "funding", FiscalYear: "2024-25", Fund: "F1",
		Lines: []billing.Line{{Employee: emp, Unit: unit}},
	})
	require.NoError(t, err)
	for _, g := range groups {
		_, err := s.ledger.Allocate(context.Background(), g.Key, g.Amount)
		require.NoError(t, err)
	}
}

func billBody(id string, employeeIDs ...string) api.BillRequest {
	req := api.BillRequest{ID: id, FiscalYear: "2024-25", Fund: "F1"}
	for _, e := range employeeIDs {
		req.Lines = append(req.Lines, api.BillLineRequest{EmployeeID: e})
	}
	return req
}

// =============================================================================
// BILLS
// =============================================================================

func TestBills_ValidateConsumeRelease(t *testing.T) {
	// GIVEN: One funded grade 7 employee
	// WHEN: Validating, consuming, consuming again, releasing twice
	// THEN: ok, 201, 409, released, already reversed

	s := newTestServer(t)
	s.seedEmployee(t, "e1", "X")
	s.fund(t, "e1", "X")

	rec := s.do(t, http.MethodPost, "/api/bills/validate", billBody("B1", "e1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[api.ValidationDTO](t, rec)
	assert.True(t, v.OK)
	assert.Len(t, v.Groups, 9)

	rec = s.do(t, http.MethodPost, "/api/bills/consume", billBody("B1", "e1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	receipt := decode[api.ReceiptDTO](t, rec)
	assert.True(t, dec("61100").Equal(receipt.Total))
	assert.Len(t, receipt.Entries, 9)

	rec = s.do(t, http.MethodPost, "/api/bills/consume", billBody("B2", "e1"))
	require.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "INSUFFICIENT_BUDGET", errResp.Code)
	shortfalls, ok := errResp.Details.([]any)
	require.True(t, ok)
	assert.Len(t, shortfalls, 9)

	rec = s.do(t, http.MethodPost, "/api/bills/B1/release", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	released := decode[api.ReleaseDTO](t, rec)
	assert.False(t, released.AlreadyReversed)
	assert.True(t, dec("61100").Equal(released.Total))

	rec = s.do(t, http.MethodPost, "/api/bills/B1/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.ReleaseDTO](t, rec).AlreadyReversed)

	rec = s.do(t, http.MethodGet, "/api/consumptions?bill_id=B1&include_reversed=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]api.EntryDTO](t, rec)
	require.Len(t, entries, 9)
	assert.True(t, entries[0].Reversed)
}

func TestBills_ValidateReportsShortfalls(t *testing.T) {
	s := newTestServer(t)
	s.seedEmployee(t, "e1", "X")

	rec := s.do(t, http.MethodPost, "/api/bills/validate", billBody("B1", "e1"))
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[api.ValidationDTO](t, rec)
	assert.False(t, v.OK)
	require.Len(t, v.Shortfalls, 9)
	assert.Equal(t, "A01151", v.Shortfalls[0].Account)
	assert.True(t, dec("32000").Equal(v.Shortfalls[0].Required))
	assert.True(t, dec("32000").Equal(v.Shortfalls[0].Missing))
}

func TestBills_UnknownEmployee(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/bills/validate", billBody("B1", "ghost"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBills_MalformedBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/bills/consume", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/bills/consume", api.BillRequest{ID: "B1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// DISTRIBUTIONS
// =============================================================================

func TestDistribute_DryRunFromEmployees(t *testing.T) {
	s := newTestServer(t)
	s.seedEmployee(t, "e1", "A")
	s.seedEmployee(t, "e2", "A")
	s.seedEmployee(t, "e3", "B")

	rec := s.do(t, http.MethodPost, "/api/distributions", api.DistributionRequest{
		FiscalYear: "2024-25", Fund: "F1", Account: "A01151",
		Total: dec("100"), Mode: "overwrite", DryRun: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[distribution.Result](t, rec)
	require.Len(t, res.Lines, 2)
	assert.True(t, dec("66.67").Equal(res.Lines[0].Amount), "got %s", res.Lines[0].Amount)
	assert.True(t, dec("33.33").Equal(res.Lines[1].Amount))

	rec = s.do(t, http.MethodGet, "/api/allocations?fiscal_year=2024-25", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.CellDTO](t, rec))
}

func TestDistribute_ApplyAndList(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/distributions", api.DistributionRequest{
		FiscalYear: "2024-25", Fund: "F1", Account: "A01151",
		Total:      dec("942657799"),
		Units:      []distribution.UnitHeadcount{{Unit: "A", Headcount: 10}, {Unit: "B", Headcount: 0}, {Unit: "C", Headcount: 5}},
		Mode:       "OVERWRITE",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/allocations?fiscal_year=2024-25", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cells := decode[[]api.CellDTO](t, rec)
	require.Len(t, cells, 2)
	assert.Equal(t, "A", cells[0].Unit)
	assert.True(t, dec("628438532.67").Equal(cells[0].Allocated))
}

func TestDistribute_ModeRequired(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/distributions", api.DistributionRequest{
		FiscalYear: "2024-25", Fund: "F1", Account: "A01151", Total: dec("100"),
		Units: []distribution.UnitHeadcount{{Unit: "A", Headcount: 1}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllocations_GetOne(t *testing.T) {
	s := newTestServer(t)
	k := ledger.CellKey{Unit: "X", FiscalYear: "2024-25", Fund: "F1", Account: "A01151"}
	_, err := s.ledger.Allocate(context.Background(), k, dec("1000"))
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/allocations/X/2024-25/F1/A01151", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cell := decode[api.CellDTO](t, rec)
	assert.True(t, dec("1000").Equal(cell.Available))

	rec = s.do(t, http.MethodGet, "/api/allocations/X/2024-25/F1/A09999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[api.ErrorResponse](t, rec).Code)
}

// =============================================================================
// ALERTS
// =============================================================================

func TestAlerts_Threshold(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	k := ledger.CellKey{Unit: "X", FiscalYear: "2024-25", Fund: "F1", Account: "A01151"}
	_, err := s.ledger.Allocate(ctx, k, dec("1000"))
	require.NoError(t, err)
	_, err = s.ledger.TryConsume(ctx, k, dec("850"))
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/allocations/alerts?fiscal_year=2024-25", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.CellDTO](t, rec))

	rec = s.do(t, http.MethodGet, "/api/allocations/alerts?fiscal_year=2024-25&threshold=80", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decode[[]api.CellDTO](t, rec)
	require.Len(t, alerts, 1)
	assert.True(t, dec("85").Equal(alerts[0].Utilization))

	rec = s.do(t, http.MethodGet, "/api/allocations/alerts?threshold=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func TestEmployees_PutAndBreakdown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/employees/e9", api.EmployeeDTO{
		Name: "New Hire", Grade: 7, RunningBasic: dec("32000"), City: "other",
		FrozenRelief: decimal.NewNullDecimal(dec("1200")), Disparity: dec("500"), Unit: "X",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/employees/e9/breakdown", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decode[api.BreakdownDTO](t, rec)
	assert.True(t, dec("61100").Equal(b.MonthlyGross), "got %s", b.MonthlyGross)
	assert.True(t, dec("733200").Equal(b.AnnualCost))
	assert.True(t, dec("23600").Equal(b.ReliefTotal))
	require.Len(t, b.Components, 9)
	assert.Equal(t, "A01151", b.Components[0].Account)

	rec = s.do(t, http.MethodGet, "/api/employees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.EmployeeDTO](t, rec), 1)
}

func TestEmployees_PutRejectsOutOfRangeBasic(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/employees/e9", api.EmployeeDTO{
		Name: "Overpaid", Grade: 7, RunningBasic: dec("99000"), Unit: "X",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "RUNNING_BASIC_OUT_OF_RANGE", decode[api.ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPut, "/api/employees/e9", api.EmployeeDTO{
		Name: "Unknown", Grade: 40, RunningBasic: dec("1000"), Unit: "X",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_GRADE_BAND", decode[api.ErrorResponse](t, rec).Code)
}

func TestEmployees_PutRejectsNegativeDisparity(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/employees/e9", api.EmployeeDTO{
		Name: "Docked", Grade: 7, RunningBasic: dec("32000"), Disparity: dec("-500"), Unit: "X",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_EMPLOYEE", decode[api.ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/employees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.EmployeeDTO](t, rec))
}

func TestEmployees_BreakdownNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/employees/nobody/breakdown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/healthz", nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "requests_total")
}
