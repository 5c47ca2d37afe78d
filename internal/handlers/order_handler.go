package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/stockpoints/backend/internal/middleware"
	"github.com/stockpoints/backend/internal/models"
	"github.com/stockpoints/backend/internal/services"
)

// OrderService is the subset of the orchestrator used by the order endpoints.
type OrderService interface {
	PlaceOrder(ctx context.Context, userID int64, rawURL string, expectedCost *decimal.Decimal) (*services.OrderResult, error)
	PlaceBatch(ctx context.Context, userID int64, items []services.BatchItem) (*services.BatchResult, error)
	ListOrders(ctx context.Context, userID int64, page, pageSize int) (models.Page[*models.StockOrder], error)
	OrderForUser(ctx context.Context, userID int64, taskID string) (*models.StockOrder, error)
	RefreshStatus(ctx context.Context, taskID string) (string, error)
	GetDownloadLink(ctx context.Context, taskID string) (*services.DownloadLink, error)
}

var _ OrderService = (*services.Orchestrator)(nil)

// OrderHandler serves /v1/orders endpoints.
type OrderHandler struct {
	Orders OrderService
	Logger *slog.Logger
}

func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderHandler{Orders: orders, Logger: logger}
}

// --- POST /v1/orders ---

type placeOrderRequest struct {
	URL          string           `json:"url"`
	ExpectedCost *decimal.Decimal `json:"expected_cost"`
}

// resultStatus maps an order outcome to its HTTP status.
func resultStatus(res *services.OrderResult) int {
	switch res.Kind {
	case services.ResultCreated, services.ResultQueued:
		return http.StatusCreated
	case services.ResultAlreadyOwned, services.ResultInProgress, services.ResultSkipped:
		return http.StatusOK
	case services.ResultUnsupportedSite:
		return http.StatusBadRequest
	case services.ResultProviderDisabled:
		return http.StatusUnprocessableEntity
	case services.ResultCostChanged:
		return http.StatusConflict
	case services.ResultInsufficientPoints:
		return http.StatusPaymentRequired
	case services.ResultRemoteError:
		if res.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PlaceOrder handles POST /v1/orders. The body is the OrderResult for every business outcome.
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID <= 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	res, err := h.Orders.PlaceOrder(r.Context(), userID, req.URL, req.ExpectedCost)
	if err != nil {
		if errors.Is(err, services.ErrReconcile) {
			writeError(w, http.StatusInternalServerError, "order placed but could not be recorded; support has been notified")
			return
		}
		h.Logger.Error("place order", "user_id", userID, "error", err)
		writeError(w, errorStatus(err), "failed to place order")
		return
	}
	writeJSON(w, resultStatus(res), res)
}

// --- POST /v1/orders/batch ---

type placeBatchRequest struct {
	Items []services.BatchItem `json:"items"`
}

// PlaceBatch handles POST /v1/orders/batch. Per-item outcomes are in the body; the status is 200.
func (h *OrderHandler) PlaceBatch(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID <= 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req placeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items is required")
		return
	}

	out, err := h.Orders.PlaceBatch(r.Context(), userID, req.Items)
	if err != nil {
		h.Logger.Error("place batch", "user_id", userID, "error", err)
		writeError(w, errorStatus(err), "failed to place batch")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- GET /v1/orders ---

func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID <= 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	page, size := pageParams(r)
	out, err := h.Orders.ListOrders(r.Context(), userID, page, size)
	if err != nil {
		h.Logger.Error("list orders", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- POST /v1/orders/{task_id}/refresh ---

// RefreshStatus handles POST /v1/orders/{task_id}/refresh. Orders of other users are 404.
func (h *OrderHandler) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	status, err := h.Orders.RefreshStatus(r.Context(), taskID)
	if err != nil {
		code := errorStatus(err)
		if code == http.StatusInternalServerError {
			h.Logger.Error("refresh order status", "task_id", taskID, "error", err)
		}
		body := map[string]string{"error": errorMessage(code, err)}
		if status != "" {
			body["status"] = status
		}
		writeJSON(w, code, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": status})
}

// --- GET /v1/orders/{task_id}/download ---

// Download handles GET /v1/orders/{task_id}/download. A link still being prepared is 202.
func (h *OrderHandler) Download(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	link, err := h.Orders.GetDownloadLink(r.Context(), taskID)
	if err != nil {
		code := errorStatus(err)
		if code == http.StatusInternalServerError {
			h.Logger.Error("download link", "task_id", taskID, "error", err)
		}
		writeError(w, code, errorMessage(code, err))
		return
	}
	if link.Pending {
		writeJSON(w, http.StatusAccepted, link)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// ownedTask reads {task_id} and checks the order belongs to the caller. It writes the
// error response itself and reports false when the request must stop.
func (h *OrderHandler) ownedTask(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID <= 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	taskID := r.PathValue("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return "", false
	}
	if _, err := h.Orders.OrderForUser(r.Context(), userID, taskID); err != nil {
		if errors.Is(err, services.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return "", false
		}
		h.Logger.Error("load order", "task_id", taskID, "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return "", false
	}
	return taskID, true
}
