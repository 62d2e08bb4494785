/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the salary budget server. Wires configuration,
  pay rules, the SQLite store, the ledger, the bill service and the
  distribution engine, then serves the HTTP API until interrupted.

STARTUP SEQUENCE:
  1. Load configuration (environment, .env)
  2. Configure logging
  3. Load pay rules (compiled-in defaults or RULES_FILE)
  4. Open the SQLite store
  5. Build domain services and the HTTP router
  6. Serve with graceful shutdown

ENVIRONMENT:
  PORT                      HTTP port (default 8080)
  DATABASE_PATH             SQLite path, ":memory:" for in-memory (default budget.db)
  RULES_FILE                YAML/JSON/TOML pay rules (default: compiled-in)
  BILL_MISSING_CELL_POLICY  zero | strict (default zero)
  ALERT_THRESHOLD           Utilization percentage for alerts (default 90)
  LOG_FORMAT / LOG_LEVEL    human | json, zerolog level
  METRICS_ENABLED           Expose /metrics (default true)
  CORS_ORIGINS              Comma-separated origins

SEE ALSO:
  - api/server.go: Router configuration
  - internal/config/config.go: Configuration loading
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cfms/salary-budget/api"
	"github.com/cfms/salary-budget/billing"
	"github.com/cfms/salary-budget/distribution"
	"github.com/cfms/salary-budget/factory"
	"github.com/cfms/salary-budget/internal/config"
	"github.com/cfms/salary-budget/internal/logging"
	"github.com/cfms/salary-budget/internal/metrics"
	"github.com/cfms/salary-budget/ledger"
	"github.com/cfms/salary-budget/payroll"
	"github.com/cfms/salary-budget/store/sqlite"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogFormat, cfg.LogLevel)

	rules, err := factory.NewRulesFactory().LoadRules(cfg.RulesFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.RulesFile).Msg("failed to load pay rules")
	}

	policy, err := billing.ParseMissingCellPolicy(cfg.MissingCellPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid BILL_MISSING_CELL_POLICY")
	}

	threshold, err := decimal.NewFromString(cfg.AlertThreshold)
	if err != nil || threshold.IsNegative() {
		logger.Fatal().Str("value", cfg.AlertThreshold).Msg("invalid ALERT_THRESHOLD")
	}

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to initialize database")
	}
	defer store.Close()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		if m, err = metrics.New(); err != nil {
			logger.Fatal().Err(err).Msg("failed to register metrics")
		}
	}

	comp := payroll.NewCompositor(rules)
	l := ledger.New(store, ledger.WithLogger(logger))
	bills := billing.NewService(l, comp,
		billing.WithMissingCellPolicy(policy),
		billing.WithReliefFlagWriter(store),
		billing.WithLogger(logger),
		billing.WithMetrics(m),
	)
	distributor := distribution.NewEngine(l,
		distribution.WithLogger(logger),
		distribution.WithMetrics(m),
	)

	handler := api.NewHandler(store, l, bills, distributor, comp, logger)
	handler.AlertThreshold = threshold

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     m,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Int("port", cfg.Port).
			Str("env", cfg.Environment).
			Str("db", cfg.DatabasePath).
			Str("missing_cell_policy", string(policy)).
			Ints("grades", rules.Scales.Grades()).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	logger.Info().Msg("server stopped")
}
