package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet transaction types. The ledger accepts any non-empty type; these are the ones
// written by this service or by its known callers.
const (
	TxTypeStockOrder          = "stock_order"
	TxTypeStockOrderRefund    = "stock_order_refund"
	TxTypeWalletTopup         = "wallet_topup"
	TxTypeSubscriptionRenewal = "subscription_renewal"
	TxTypeAdminAdjust         = "admin_adjust"
)

// WalletTransaction is one immutable ledger row. Points is signed: negative is a debit.
type WalletTransaction struct {
	ID             int64            `json:"id"`
	UserID         int64            `json:"user_id"`
	Type           string           `json:"type"`
	Points         decimal.Decimal  `json:"points"`
	CurrencyAmount *decimal.Decimal `json:"currency_amount,omitempty"`
	CurrencyCode   *string          `json:"currency_code,omitempty"`
	Meta           TransactionMeta  `json:"meta"`
	CreatedAt      time.Time        `json:"created_at"`
}

// TransactionMeta is the structured meta stored with a transaction. Known shapes are typed;
// anything else a caller attaches survives in Extra.
type TransactionMeta struct {
	Order  *OrderMeta     `json:"order,omitempty"`
	Topup  *TopupMeta     `json:"topup,omitempty"`
	Adjust *AdjustMeta    `json:"adjust,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// OrderMeta references the stock order a charge or refund belongs to.
type OrderMeta struct {
	OrderID int64  `json:"order_id,omitempty"`
	TaskID  string `json:"task_id"`
	Site    string `json:"site"`
	StockID string `json:"stock_id"`
	BatchID string `json:"batch_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type TopupMeta struct {
	Reference string `json:"reference"`
	Gateway   string `json:"gateway,omitempty"`
}

type AdjustMeta struct {
	Note    string `json:"note,omitempty"`
	ActorID int64  `json:"actor_id,omitempty"`
}

// NewTransaction is the input to an append. Meta is optional.
type NewTransaction struct {
	UserID         int64
	Type           string
	Points         decimal.Decimal
	CurrencyAmount *decimal.Decimal
	CurrencyCode   *string
	Meta           TransactionMeta
}
