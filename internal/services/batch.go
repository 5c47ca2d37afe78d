package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stockpoints/backend/internal/ledger"
	"github.com/stockpoints/backend/internal/models"
)

// BatchItem is one URL of a batch request. Unselected items are reported as skipped.
type BatchItem struct {
	URL      string `json:"url"`
	Selected bool   `json:"selected"`
}

type BatchResult struct {
	BatchID string          `json:"batch_id"`
	Items   []*OrderResult  `json:"items"`
	Charged decimal.Decimal `json:"charged"`
	Balance decimal.Decimal `json:"balance"`
}

// PlaceBatch orders every selected URL in turn against a running balance. Each item is
// charged before its remote order; when the remote call fails the charge is refunded.
// Results are returned in input order.
func (o *Orchestrator) PlaceBatch(ctx context.Context, userID int64, items []BatchItem) (*BatchResult, error) {
	if userID <= 0 {
		return nil, ledger.ErrInvalidUser
	}
	unlock, err := o.Locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	running, err := o.Ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	out := &BatchResult{BatchID: o.newBatchID(), Items: make([]*OrderResult, 0, len(items)), Charged: decimal.Zero}
	for _, item := range items {
		sourceURL := strings.TrimSpace(item.URL)
		if !item.Selected {
			out.Items = append(out.Items, &OrderResult{Kind: ResultSkipped, URL: sourceURL})
			continue
		}
		if err := ctx.Err(); err != nil {
			out.Items = append(out.Items, &OrderResult{Kind: ResultError, URL: sourceURL, Message: err.Error()})
			continue
		}
		res := o.placeBatchItem(ctx, userID, out.BatchID, sourceURL, &running)
		if res.Charged() && res.Cost != nil {
			out.Charged = out.Charged.Add(*res.Cost)
		}
		out.Items = append(out.Items, o.observe(res))
	}
	out.Balance = running

	o.Logger.Info("stock order batch processed",
		"user_id", userID, "batch_id", out.BatchID, "items", len(items), "charged", out.Charged.String())
	return out, nil
}

func (o *Orchestrator) placeBatchItem(ctx context.Context, userID int64, batchID, sourceURL string, running *decimal.Decimal) *OrderResult {
	match, prov, res := o.resolve(sourceURL)
	if res != nil {
		return res
	}
	cost := prov.Points

	existing, err := o.Orders.FindExisting(ctx, userID, match.Site, match.StockID)
	if err != nil {
		o.Logger.Error("find existing order", "user_id", userID, "site", match.Site, "stock_id", match.StockID, "error", err)
		return &OrderResult{Kind: ResultError, URL: sourceURL, Site: match.Site, StockID: match.StockID, Message: "internal error"}
	}
	if res := existingResult(sourceURL, existing); res != nil {
		return res
	}

	if running.LessThan(cost) {
		bal := *running
		return &OrderResult{Kind: ResultInsufficientPoints, URL: sourceURL, Site: match.Site, StockID: match.StockID,
			Cost: &cost, Balance: &bal}
	}

	meta := models.OrderMeta{Site: match.Site, StockID: match.StockID, BatchID: batchID}
	if _, err := o.Ledger.AddTransaction(ctx, models.NewTransaction{
		UserID: userID,
		Type:   models.TxTypeStockOrder,
		Points: cost.Neg(),
		Meta:   models.TransactionMeta{Order: &meta},
	}); err != nil {
		o.Logger.Error("batch debit failed", "user_id", userID, "batch_id", batchID, "site", match.Site, "stock_id", match.StockID, "error", err)
		return &OrderResult{Kind: ResultError, URL: sourceURL, Site: match.Site, StockID: match.StockID, Message: "could not charge points"}
	}
	*running = running.Sub(cost)
	o.Metrics.ObservePoints(models.TxTypeStockOrder, cost.Neg().InexactFloat64())

	placed, err := o.Remote.PlaceOrder(ctx, match.Site, match.StockID, sourceURL)
	if err != nil {
		o.Logger.Warn("remote order placement failed, refunding",
			"user_id", userID, "batch_id", batchID, "site", match.Site, "stock_id", match.StockID, "error", err)
		refund := meta
		refund.Reason = "placement_failed"
		if o.refund(ctx, userID, cost, refund) {
			*running = running.Add(cost)
		}
		res := remoteErrorResult(sourceURL, match, err)
		bal := *running
		res.Balance = &bal
		return res
	}

	up := models.OrderUpsert{
		UserID:     userID,
		Site:       match.Site,
		StockID:    match.StockID,
		TaskID:     placed.TaskID,
		CostPoints: cost,
		Status:     models.OrderStatusPending,
		Fields:     o.newOrderFields(ctx, match, prov, sourceURL, placed),
	}
	orderID, err := o.persistOrder(ctx, up, nil)
	if err != nil {
		o.Metrics.ObserveReconcile("batch_persist")
		o.Logger.Error("reconcile: points charged and remote order placed but order not recorded",
			"user_id", userID, "batch_id", batchID, "task_id", placed.TaskID, "site", match.Site, "stock_id", match.StockID,
			"points", cost.String(), "error", err)
		return &OrderResult{Kind: ResultError, URL: sourceURL, Site: match.Site, StockID: match.StockID, TaskID: placed.TaskID,
			Cost: &cost, Message: "order placed but not recorded, support has been notified"}
	}

	bal := *running
	return &OrderResult{
		Kind: ResultQueued, URL: sourceURL, Site: match.Site, StockID: match.StockID,
		OrderID: orderID, TaskID: placed.TaskID, Status: models.OrderStatusPending,
		Cost: &cost, Balance: &bal,
	}
}

// refund credits points back. A failed refund is logged for reconciliation and reported as false.
func (o *Orchestrator) refund(ctx context.Context, userID int64, points decimal.Decimal, meta models.OrderMeta) bool {
	_, err := o.Ledger.AddTransaction(ctx, models.NewTransaction{
		UserID: userID,
		Type:   models.TxTypeStockOrderRefund,
		Points: points,
		Meta:   models.TransactionMeta{Order: &meta},
	})
	if err != nil {
		o.Metrics.ObserveReconcile("refund")
		o.Logger.Error("reconcile: refund not recorded",
			"user_id", userID, "task_id", meta.TaskID, "site", meta.Site, "stock_id", meta.StockID,
			"points", points.String(), "reason", meta.Reason, "error", err)
		return false
	}
	o.Metrics.ObservePoints(models.TxTypeStockOrderRefund, points.InexactFloat64())
	return true
}
