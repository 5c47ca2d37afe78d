package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/stockpoints/backend/internal/models"
	"github.com/stockpoints/backend/internal/provider"
)

// DownloadLink is the answer to a link request. Pending means the provider is still
// preparing the file; ask again later.
type DownloadLink struct {
	Pending  bool   `json:"pending"`
	Cached   bool   `json:"cached"`
	Status   string `json:"status"`
	URL      string `json:"url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	LinkType string `json:"link_type,omitempty"`
}

// RefreshStatus polls the provider for a non-terminal order and stores the normalized
// status. Terminal orders are returned as-is without a remote call. Moving an order to
// failed refunds its charge in the same transaction. On a remote error the stored
// status is returned together with the error and nothing is written.
func (o *Orchestrator) RefreshStatus(ctx context.Context, taskID string) (string, error) {
	order, err := o.Orders.GetByTaskID(ctx, taskID)
	if err != nil {
		return "", err
	}
	if order == nil {
		return "", ErrOrderNotFound
	}
	if models.IsTerminalStatus(order.Status) {
		return order.Status, nil
	}

	st, err := o.Remote.GetStatus(ctx, taskID)
	if err != nil {
		o.Logger.Warn("remote status check failed", "task_id", taskID, "user_id", order.UserID, "error", err)
		return order.Status, err
	}
	next := models.NormalizeStatus(st.Status)
	if st.Failed {
		next = models.OrderStatusFailed
	}
	if next == "" {
		next = order.Status
	}
	fields := models.OrderFields{RawResponse: st.Raw, RawLabel: "status"}

	if next == models.OrderStatusFailed {
		return o.failAndRefund(ctx, order, fields, st.Message)
	}
	changed, err := o.Orders.TransitionStatus(ctx, nil, taskID, next, fields)
	if err != nil {
		return order.Status, fmt.Errorf("update order status: %w", err)
	}
	if !changed {
		return o.currentStatus(ctx, taskID)
	}
	if next != order.Status {
		o.Logger.Info("stock order status changed", "task_id", taskID, "user_id", order.UserID, "from", order.Status, "to", next)
	}
	return next, nil
}

// failAndRefund marks the order failed and credits its cost back, both in one transaction.
// The status update only matches a non-terminal row, so concurrent refreshes refund once.
func (o *Orchestrator) failAndRefund(ctx context.Context, order *models.StockOrder, fields models.OrderFields, message string) (string, error) {
	unlock, err := o.Locker.Lock(ctx, order.UserID)
	if err != nil {
		return order.Status, err
	}
	defer unlock()

	tx, err := o.Pool.Begin(ctx)
	if err != nil {
		return order.Status, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	changed, err := o.Orders.TransitionStatus(ctx, tx, order.TaskID, models.OrderStatusFailed, fields)
	if err != nil {
		return order.Status, fmt.Errorf("mark order failed: %w", err)
	}
	if !changed {
		_ = tx.Rollback(ctx)
		return o.currentStatus(ctx, order.TaskID)
	}
	if order.CostPoints.IsPositive() {
		if _, err := o.Ledger.AddTransactionTx(ctx, tx, models.NewTransaction{
			UserID: order.UserID,
			Type:   models.TxTypeStockOrderRefund,
			Points: order.CostPoints,
			Meta: models.TransactionMeta{Order: &models.OrderMeta{
				OrderID: order.ID, TaskID: order.TaskID, Site: order.Site, StockID: order.StockID, Reason: "remote_failed",
			}},
		}); err != nil {
			return order.Status, fmt.Errorf("refund failed order: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		o.Metrics.ObserveReconcile("refund")
		o.Logger.Error("reconcile: failed order refund not committed",
			"task_id", order.TaskID, "user_id", order.UserID, "points", order.CostPoints.String(), "error", err)
		return order.Status, fmt.Errorf("commit refund: %w", err)
	}
	o.Metrics.ObservePoints(models.TxTypeStockOrderRefund, order.CostPoints.InexactFloat64())
	o.Logger.Info("stock order failed, refunded",
		"task_id", order.TaskID, "user_id", order.UserID, "points", order.CostPoints.String(), "message", message)
	return models.OrderStatusFailed, nil
}

func (o *Orchestrator) currentStatus(ctx context.Context, taskID string) (string, error) {
	order, err := o.Orders.GetByTaskID(ctx, taskID)
	if err != nil {
		return "", err
	}
	if order == nil {
		return "", ErrOrderNotFound
	}
	return order.Status, nil
}

// GetDownloadLink returns the stored link when there is one, otherwise asks the provider.
// A fetched link is stored and completes the order. Remote errors and "not ready" never
// change the order; failed orders are refused.
func (o *Orchestrator) GetDownloadLink(ctx context.Context, taskID string) (*DownloadLink, error) {
	order, err := o.Orders.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Status == models.OrderStatusFailed {
		return nil, ErrOrderFailed
	}
	if order.HasUsableLink() {
		return cachedLink(order), nil
	}

	dl, err := o.Remote.GetDownload(ctx, taskID)
	if errors.Is(err, provider.ErrNotReady) {
		return &DownloadLink{Pending: true, Status: order.Status}, nil
	}
	if err != nil {
		o.Logger.Warn("remote download link failed", "task_id", taskID, "user_id", order.UserID, "error", err)
		return nil, err
	}

	fields := models.OrderFields{
		DownloadLink: &dl.URL,
		FileName:     &dl.FileName,
		LinkType:     &dl.LinkType,
		RawResponse:  dl.Raw,
		RawLabel:     "download",
	}
	changed, err := o.Orders.TransitionStatus(ctx, nil, taskID, models.OrderStatusCompleted, fields)
	if err != nil {
		return nil, fmt.Errorf("store download link: %w", err)
	}
	if !changed {
		// Became terminal meanwhile: completed elsewhere, or failed and refunded.
		current, err := o.Orders.GetByTaskID(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrOrderNotFound
		}
		if current.Status == models.OrderStatusFailed {
			return nil, ErrOrderFailed
		}
		if current.HasUsableLink() {
			return cachedLink(current), nil
		}
		if _, err := o.Orders.UpdateStatus(ctx, nil, taskID, "", fields); err != nil {
			return nil, fmt.Errorf("store download link: %w", err)
		}
	}
	o.Logger.Info("download link ready", "task_id", taskID, "user_id", order.UserID, "link_type", dl.LinkType)
	return &DownloadLink{
		Status:   models.OrderStatusCompleted,
		URL:      dl.URL,
		FileName: dl.FileName,
		LinkType: dl.LinkType,
	}, nil
}

func cachedLink(o *models.StockOrder) *DownloadLink {
	return &DownloadLink{
		Cached:   true,
		Status:   o.Status,
		URL:      o.DownloadLink,
		FileName: o.FileName,
		LinkType: o.LinkType,
	}
}
