package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfms/salary-budget/internal/metrics"
)

// counters gathers the registry into name -> summed counter value.
func counters(t *testing.T, m *metrics.Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				out[mf.GetName()] += c.GetValue()
			}
		}
	}
	return out
}

func TestMetrics_Observe(t *testing.T) {
	m, err := metrics.New()
	require.NoError(t, err)

	m.ObserveConsume(metrics.OutcomeConsumed, "2024-25", "F1", decimal.RequireFromString("61100"), time.Millisecond)
	m.ObserveConsume(metrics.OutcomeInsufficient, "2024-25", "F1", decimal.RequireFromString("99"), time.Millisecond)
	m.ObserveRelease(metrics.OutcomeReleased, "2024-25", "F1", decimal.RequireFromString("61100"))
	m.ObserveShortfalls(9)
	m.ObserveShortfalls(0)
	m.ObserveDistribution("OVERWRITE", true)

	got := counters(t, m)
	assert.Equal(t, 3.0, got["salary_bills_total"])
	assert.Equal(t, 61100.0, got["budget_consumed_amount_total"])
	assert.Equal(t, 61100.0, got["budget_released_amount_total"])
	assert.Equal(t, 9.0, got["budget_shortfalls_total"])
	assert.Equal(t, 1.0, got["budget_distributions_total"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveConsume(metrics.OutcomeConsumed, "2024-25", "F1", decimal.NewFromInt(1), time.Second)
		m.ObserveRelease(metrics.OutcomeReleased, "2024-25", "F1", decimal.NewFromInt(1))
		m.ObserveShortfalls(1)
		m.ObserveDistribution("TOP_UP", false)
	})
}

func TestMetrics_Middleware(t *testing.T) {
	m, err := metrics.New()
	require.NoError(t, err)

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, 2.0, counters(t, m)["requests_total"])
}
