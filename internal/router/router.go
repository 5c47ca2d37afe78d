package router

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stockpoints/backend/internal/auth"
	"github.com/stockpoints/backend/internal/handlers"
	"github.com/stockpoints/backend/internal/middleware"
	"github.com/stockpoints/backend/internal/services"
)

// maxBodyBytes caps JSON request bodies; a 50-item batch fits comfortably.
const maxBodyBytes = 256 << 10

// Deps are the handlers and collaborators the route table is built from.
type Deps struct {
	Orders    *handlers.OrderHandler
	Wallet    *handlers.WalletHandler
	Catalog   handlers.ProviderLister
	Tokens    middleware.TokenValidator
	Validator middleware.BodyValidator
	Gatherer  prometheus.Gatherer
	Metrics   middleware.HTTPObserver
	Logger    *slog.Logger
}

// New returns the API handler. Chain: RequestLog -> mux -> BearerAuth -> (RequireRole) -> (ValidateBody) -> handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	authed := middleware.BearerAuth(d.Tokens)
	admin := func(h http.Handler) http.Handler { return authed(middleware.RequireRole(auth.RoleAdmin)(h)) }
	body := func(schema string, h http.HandlerFunc) http.Handler {
		return middleware.ValidateBody(d.Validator, schema, maxBodyBytes)(h)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /v1/providers", handlers.ListProviders(d.Catalog))

	// Orders
	mux.Handle("POST /v1/orders", authed(body(services.SchemaOrderRequest, d.Orders.PlaceOrder)))
	mux.Handle("POST /v1/orders/batch", authed(body(services.SchemaBatchRequest, d.Orders.PlaceBatch)))
	mux.Handle("GET /v1/orders", authed(http.HandlerFunc(d.Orders.ListOrders)))
	mux.Handle("POST /v1/orders/{task_id}/refresh", authed(http.HandlerFunc(d.Orders.RefreshStatus)))
	mux.Handle("GET /v1/orders/{task_id}/download", authed(http.HandlerFunc(d.Orders.Download)))

	// Wallet
	mux.Handle("GET /v1/wallet/balance", authed(http.HandlerFunc(d.Wallet.GetBalance)))
	mux.Handle("GET /v1/wallet/transactions", authed(http.HandlerFunc(d.Wallet.ListTransactions)))
	mux.Handle("POST /v1/admin/wallet/transactions", admin(body(services.SchemaWalletTransaction, d.Wallet.AddTransaction)))

	return middleware.RequestLog(d.Logger, d.Metrics)(mux)
}
