package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stockpoints/backend/internal/middleware"
	"github.com/stockpoints/backend/internal/models"
	"github.com/stockpoints/backend/internal/services"
)

// WalletService is the subset of the orchestrator used by the wallet endpoints.
type WalletService interface {
	GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, userID int64, page, pageSize int, txType string) (models.Page[*models.WalletTransaction], error)
	AddTransaction(ctx context.Context, nt models.NewTransaction) (int64, error)
}

var _ WalletService = (*services.Orchestrator)(nil)

// WalletHandler serves /v1/wallet and the admin transaction endpoint.
type WalletHandler struct {
	Wallet WalletService
	Logger *slog.Logger
}

func NewWalletHandler(wallet WalletService, logger *slog.Logger) *WalletHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletHandler{Wallet: wallet, Logger: logger}
}

type balanceResponse struct {
	UserID  int64           `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// GET /v1/wallet/balance
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID <= 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	bal, err := h.Wallet.GetBalance(r.Context(), userID)
	if err != nil {
		h.Logger.Error("get balance", "user_id", userID, "error", err)
		writeError(w, errorStatus(err), "internal error")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: bal})
}

// GET /v1/wallet/transactions?page=&page_size=&type=
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID <= 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	page, size := pageParams(r)
	out, err := h.Wallet.ListTransactions(r.Context(), userID, page, size, r.URL.Query().Get("type"))
	if err != nil {
		h.Logger.Error("list transactions", "user_id", userID, "error", err)
		writeError(w, errorStatus(err), "internal error")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- POST /v1/admin/wallet/transactions ---

type addTransactionRequest struct {
	UserID         int64            `json:"user_id"`
	Type           string           `json:"type"`
	Points         decimal.Decimal  `json:"points"`
	CurrencyAmount *decimal.Decimal `json:"currency_amount"`
	CurrencyCode   *string          `json:"currency_code"`
	Note           string           `json:"note"`
	Reference      string           `json:"reference"`
	Gateway        string           `json:"gateway"`
	Meta           map[string]any   `json:"meta"`
}

type addTransactionResponse struct {
	TransactionID int64           `json:"transaction_id"`
	UserID        int64           `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
}

// AddTransaction appends a top-up, renewal or manual adjustment for any user. Admin only.
func (h *WalletHandler) AddTransaction(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.UserIDFromCtx(r.Context())

	var req addTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	nt := models.NewTransaction{
		UserID:         req.UserID,
		Type:           strings.TrimSpace(req.Type),
		Points:         req.Points,
		CurrencyAmount: req.CurrencyAmount,
		CurrencyCode:   req.CurrencyCode,
		Meta:           models.TransactionMeta{Extra: req.Meta},
	}
	if req.Reference != "" {
		nt.Meta.Topup = &models.TopupMeta{Reference: req.Reference, Gateway: req.Gateway}
	}
	if req.Note != "" || nt.Type == models.TxTypeAdminAdjust {
		nt.Meta.Adjust = &models.AdjustMeta{Note: req.Note, ActorID: actorID}
	}

	id, err := h.Wallet.AddTransaction(r.Context(), nt)
	if err != nil {
		code := errorStatus(err)
		if code == http.StatusInternalServerError {
			h.Logger.Error("add transaction", "user_id", req.UserID, "error", err)
		}
		writeError(w, code, errorMessage(code, err))
		return
	}
	bal, err := h.Wallet.GetBalance(r.Context(), req.UserID)
	if err != nil {
		h.Logger.Error("get balance after transaction", "user_id", req.UserID, "transaction_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.Logger.Info("admin wallet transaction", "actor_id", actorID, "user_id", req.UserID, "transaction_id", id, "type", nt.Type)
	writeJSON(w, http.StatusCreated, addTransactionResponse{TransactionID: id, UserID: req.UserID, Balance: bal})
}
