// Package metrics holds the Prometheus collectors of the budget engine.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Outcome labels.
const (
	OutcomeConsumed     = "consumed"
	OutcomeInsufficient = "insufficient"
	OutcomeError        = "error"
	OutcomeReleased     = "released"
	OutcomeNoop         = "noop"
)

// Metrics owns a dedicated registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	bills           *prometheus.CounterVec
	consumedAmount  *prometheus.CounterVec
	releasedAmount  *prometheus.CounterVec
	shortfalls      prometheus.Counter
	distributions   *prometheus.CounterVec
	consumeDuration prometheus.Histogram
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salary_bills_total",
				Help: "Bill consume and release calls, partitioned by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		consumedAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budget_consumed_amount_total",
				Help: "Amount consumed from allocation cells.",
			},
			[]string{"fiscal_year", "fund"},
		),
		releasedAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budget_released_amount_total",
				Help: "Amount released back to allocation cells.",
			},
			[]string{"fiscal_year", "fund"},
		),
		shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "budget_shortfalls_total",
			Help: "Shortfall entries reported by validate and consume.",
		}),
		distributions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budget_distributions_total",
				Help: "Distribution runs, partitioned by mode and dry run.",
			},
			[]string{"mode", "dry_run"},
		),
		consumeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "salary_bill_consume_duration_seconds",
			Help: "Latency of the atomic bill consume transaction.",
		}),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "How many HTTP requests processed, partitioned by status code and HTTP method.",
			},
			[]string{"code", "method", "url"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "request_duration_seconds",
				Help: "The HTTP request latencies in seconds.",
			},
			[]string{"code", "method", "url"},
		),
	}

	for _, c := range m.collectors() {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("could not register %v with Prometheus: %w", c, err)
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.bills,
		m.consumedAmount,
		m.releasedAmount,
		m.shortfalls,
		m.distributions,
		m.consumeDuration,
		m.requestCount,
		m.requestDuration,
	}
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveConsume records one consume call.
func (m *Metrics) ObserveConsume(outcome, fiscalYear, fund string, amount decimal.Decimal, took time.Duration) {
	if m == nil {
		return
	}
	m.bills.WithLabelValues("consume", outcome).Inc()
	m.consumeDuration.Observe(took.Seconds())
	if outcome == OutcomeConsumed {
		m.consumedAmount.WithLabelValues(fiscalYear, fund).Add(amount.InexactFloat64())
	}
}

// ObserveRelease records one release call.
func (m *Metrics) ObserveRelease(outcome, fiscalYear, fund string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.bills.WithLabelValues("release", outcome).Inc()
	if outcome == OutcomeReleased {
		m.releasedAmount.WithLabelValues(fiscalYear, fund).Add(amount.InexactFloat64())
	}
}

// ObserveShortfalls adds n reported shortfalls.
func (m *Metrics) ObserveShortfalls(n int) {
	if m == nil || n == 0 {
		return
	}
	m.shortfalls.Add(float64(n))
}

// ObserveDistribution records one distribution run.
func (m *Metrics) ObserveDistribution(mode string, dryRun bool) {
	if m == nil {
		return
	}
	m.distributions.WithLabelValues(mode, strconv.FormatBool(dryRun)).Inc()
}

// Middleware updates the HTTP request metrics. The chi route pattern is used
// as the url label to keep cardinality low.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		url := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			url = rctx.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		m.requestDuration.WithLabelValues(status, r.Method, url).Observe(time.Since(start).Seconds())
		m.requestCount.WithLabelValues(status, r.Method, url).Inc()
	})
}
