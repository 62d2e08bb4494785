/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, logged with every event
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logging:    One zerolog event per request
  4. Metrics:    Prometheus request counters (when enabled)
  5. CORS:       Cross-origin requests for the budget UI

ROUTE GROUPS:
  /api/bills/*          Validate, consume, release
  /api/distributions    Headcount distribution
  /api/allocations/*    Cell status and alerts
  /api/consumptions     Consumption audit trail
  /api/employees/*      Employee records and breakdowns
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cfms/salary-budget/internal/logging"
	"github.com/cfms/salary-budget/internal/metrics"
)

// RouterOptions holds the cross-cutting pieces of the router.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     *metrics.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware(h.log))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/bills", func(r chi.Router) {
			r.Post("/validate", h.ValidateBill)
			r.Post("/consume", h.ConsumeBill)
			r.Post("/{id}/release", h.ReleaseBill)
		})

		r.Post("/distributions", h.Distribute)

		r.Route("/allocations", func(r chi.Router) {
			r.Get("/", h.ListAllocations)
			r.Get("/alerts", h.ListAlerts)
			r.Get("/{unit}/{fiscalYear}/{fund}/{account}", h.GetAllocation)
		})

		r.Get("/consumptions", h.ListConsumptions)

		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Put("/{id}", h.PutEmployee)
			r.Get("/{id}/breakdown", h.GetBreakdown)
		})
	})

	return r
}
