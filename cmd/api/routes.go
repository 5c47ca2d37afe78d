package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stockpoints/backend/internal/auth"
	"github.com/stockpoints/backend/internal/handlers"
	"github.com/stockpoints/backend/internal/metrics"
	"github.com/stockpoints/backend/internal/resolver"
	"github.com/stockpoints/backend/internal/router"
	"github.com/stockpoints/backend/internal/services"
)

// newAPIHandler builds the /v1 API, /metrics and /healthz on top of the orchestrator.
func newAPIHandler(
	orchestrator *services.Orchestrator,
	catalog *resolver.Catalog,
	tokens *auth.TokenService,
	validator *services.RequestValidator,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	logger *slog.Logger,
) http.Handler {
	return router.New(router.Deps{
		Orders:    handlers.NewOrderHandler(orchestrator, logger),
		Wallet:    handlers.NewWalletHandler(orchestrator, logger),
		Catalog:   catalog,
		Tokens:    tokens,
		Validator: validator,
		Gatherer:  gatherer,
		Metrics:   m,
		Logger:    logger,
	})
}
