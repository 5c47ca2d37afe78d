package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Stock order statuses.
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusQueued     = "queued"
	OrderStatusReady      = "ready"
	OrderStatusCompleted  = "completed"
	OrderStatusFailed     = "failed"
)

// IsTerminalStatus reports whether no further polling may change s.
func IsTerminalStatus(s string) bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed
}

var statusAliases = map[string]string{
	"pending":     OrderStatusPending,
	"waiting":     OrderStatusPending,
	"created":     OrderStatusPending,
	"processing":  OrderStatusProcessing,
	"in_progress": OrderStatusProcessing,
	"in progress": OrderStatusProcessing,
	"downloading": OrderStatusProcessing,
	"queued":      OrderStatusQueued,
	"queue":       OrderStatusQueued,
	"ready":       OrderStatusReady,
	"prepared":    OrderStatusReady,
	"completed":   OrderStatusCompleted,
	"complete":    OrderStatusCompleted,
	"done":        OrderStatusCompleted,
	"success":     OrderStatusCompleted,
	"finished":    OrderStatusCompleted,
	"failed":      OrderStatusFailed,
	"fail":        OrderStatusFailed,
	"error":       OrderStatusFailed,
	"canceled":    OrderStatusFailed,
	"cancelled":   OrderStatusFailed,
	"refunded":    OrderStatusFailed,
}

// NormalizeStatus maps a provider's free-text status onto the order enum.
// Unknown values are passed through lower-cased.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if v, ok := statusAliases[s]; ok {
		return v
	}
	return s
}

// StockOrder is the single row per (user, site, stock id).
type StockOrder struct {
	ID            int64            `json:"id"`
	UserID        int64            `json:"user_id"`
	Site          string           `json:"site"`
	StockID       string           `json:"stock_id"`
	SourceURL     string           `json:"source_url"`
	ProviderLabel string           `json:"provider_label"`
	TaskID        string           `json:"task_id"`
	Status        string           `json:"status"`
	CostPoints    decimal.Decimal  `json:"cost_points"`
	RemoteCost    *decimal.Decimal `json:"remote_cost,omitempty"`
	DownloadLink  string           `json:"download_link,omitempty"`
	FileName      string           `json:"file_name,omitempty"`
	LinkType      string           `json:"link_type,omitempty"`
	PreviewThumb  string           `json:"preview_thumb,omitempty"`
	RawResponse   json.RawMessage  `json:"-"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// HasUsableLink reports whether the cached link can be handed out without a remote call.
func (o *StockOrder) HasUsableLink() bool {
	return o != nil && o.DownloadLink != "" && o.Status != OrderStatusFailed
}

// OrderFields carries the optional columns of an upsert or status update.
// Nil fields are left untouched. RawResponse is merged, never overwritten.
type OrderFields struct {
	SourceURL     *string
	ProviderLabel *string
	DownloadLink  *string
	FileName      *string
	LinkType      *string
	PreviewThumb  *string
	RemoteCost    *decimal.Decimal
	RawResponse   json.RawMessage
	// RawLabel prefixes the timestamped key RawResponse is merged under.
	RawLabel string
}

// RawResponseKey is the sub-key a provider payload is stored under in raw_response.
func RawResponseKey(label string, at time.Time) string {
	if label == "" {
		label = "response"
	}
	return label + "@" + at.UTC().Format(time.RFC3339Nano)
}

// OrderUpsert is the input to the (user, site, stock id) upsert. On conflict the row's
// task, cost and status are replaced and Fields are applied as in a status update.
type OrderUpsert struct {
	UserID     int64
	Site       string
	StockID    string
	TaskID     string
	CostPoints decimal.Decimal
	Status     string
	Fields     OrderFields
}
