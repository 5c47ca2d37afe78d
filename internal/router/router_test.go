package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockpoints/backend/internal/auth"
	"github.com/stockpoints/backend/internal/handlers"
	"github.com/stockpoints/backend/internal/metrics"
	"github.com/stockpoints/backend/internal/models"
	"github.com/stockpoints/backend/internal/services"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubOrders struct{ placed int }

func (s *stubOrders) PlaceOrder(context.Context, int64, string, *decimal.Decimal) (*services.OrderResult, error) {
	s.placed++
	return &services.OrderResult{Kind: services.ResultCreated, TaskID: "T1"}, nil
}
func (s *stubOrders) PlaceBatch(context.Context, int64, []services.BatchItem) (*services.BatchResult, error) {
	return &services.BatchResult{}, nil
}
func (s *stubOrders) ListOrders(context.Context, int64, int, int) (models.Page[*models.StockOrder], error) {
	return models.Page[*models.StockOrder]{Items: []*models.StockOrder{}}, nil
}
func (s *stubOrders) OrderForUser(_ context.Context, userID int64, taskID string) (*models.StockOrder, error) {
	return &models.StockOrder{UserID: userID, TaskID: taskID}, nil
}
func (s *stubOrders) RefreshStatus(context.Context, string) (string, error) { return "processing", nil }
func (s *stubOrders) GetDownloadLink(context.Context, string) (*services.DownloadLink, error) {
	return &services.DownloadLink{Pending: true}, nil
}

type stubWallet struct{}

func (stubWallet) GetBalance(context.Context, int64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (stubWallet) ListTransactions(context.Context, int64, int, int, string) (models.Page[*models.WalletTransaction], error) {
	return models.Page[*models.WalletTransaction]{}, nil
}
func (stubWallet) AddTransaction(context.Context, models.NewTransaction) (int64, error) {
	return 1, nil
}

type noProviders struct{}

func (noProviders) Providers() []models.Provider { return []models.Provider{} }

type harness struct {
	handler http.Handler
	tokens  *auth.TokenService
	orders  *stubOrders
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v, err := services.NewRequestValidator()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	orders := &stubOrders{}
	tokens := auth.NewTokenService("router-test", 0)
	return &harness{
		handler: New(Deps{
			Orders:    handlers.NewOrderHandler(orders, logger),
			Wallet:    handlers.NewWalletHandler(stubWallet{}, logger),
			Catalog:   noProviders{},
			Tokens:    tokens,
			Validator: v,
			Gatherer:  reg,
			Metrics:   metrics.New(reg),
			Logger:    logger,
		}),
		tokens: tokens,
		orders: orders,
	}
}

func (h *harness) do(t *testing.T, method, path, body, role string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if role != "" {
		tok, err := h.tokens.Issue(7, role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRoutes_PublicEndpoints(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/providers", "", "").Code)

	rec := h.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRoutes_RequireToken(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/v1/wallet/balance", "", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/wallet/balance", "", auth.RoleUser).Code)
}

func TestRoutes_PlaceOrderValidatesBody(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/orders", `{"link":"x"}`, auth.RoleUser).Code)
	require.Equal(t, 0, h.orders.placed)

	rec := h.do(t, http.MethodPost, "/v1/orders", `{"url":"https://x.test/a"}`, auth.RoleUser)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, 1, h.orders.placed)
}

func TestRoutes_TaskRoutes(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/orders/T1/refresh", "", auth.RoleUser).Code)
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodGet, "/v1/orders/T1/download", "", auth.RoleUser).Code)
	require.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodDelete, "/v1/orders/T1/download", "", auth.RoleUser).Code)
}

func TestRoutes_AdminOnly(t *testing.T) {
	h := newHarness(t)
	body := `{"user_id":42,"type":"wallet_topup","points":"10"}`
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/v1/admin/wallet/transactions", body, auth.RoleUser).Code)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/admin/wallet/transactions", body, auth.RoleAdmin).Code)
}
