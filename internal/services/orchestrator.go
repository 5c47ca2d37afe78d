package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/stockpoints/backend/internal/ledger"
	"github.com/stockpoints/backend/internal/metrics"
	"github.com/stockpoints/backend/internal/models"
	"github.com/stockpoints/backend/internal/provider"
	"github.com/stockpoints/backend/internal/repository"
	"github.com/stockpoints/backend/internal/resolver"
)

const defaultPreviewTimeout = 5 * time.Second

var (
	ErrOrderNotFound = errors.New("stock order not found")
	// ErrOrderFailed is returned for link requests on a failed (refunded) order.
	ErrOrderFailed = errors.New("stock order failed")
	// ErrReconcile marks a remote side effect whose local bookkeeping could not be written.
	// The details are logged with a "reconcile:" prefix for manual follow-up.
	ErrReconcile = errors.New("order requires manual reconciliation")
)

// ResultKind is the outcome of placing one order.
type ResultKind string

const (
	ResultCreated            ResultKind = "created"
	ResultQueued             ResultKind = "queued"
	ResultAlreadyOwned       ResultKind = "already_owned"
	ResultInProgress         ResultKind = "in_progress"
	ResultUnsupportedSite    ResultKind = "unsupported_site"
	ResultProviderDisabled   ResultKind = "provider_disabled"
	ResultCostChanged        ResultKind = "cost_changed"
	ResultInsufficientPoints ResultKind = "insufficient_points"
	ResultRemoteError        ResultKind = "remote_error"
	ResultError              ResultKind = "error"
	ResultSkipped            ResultKind = "skipped"
)

// OrderResult describes what happened to one requested URL. Cost is the provider price
// (charged for created/queued, required otherwise); Balance is the balance after the
// operation, or the current balance when it was too low.
type OrderResult struct {
	Kind         ResultKind       `json:"result"`
	URL          string           `json:"url,omitempty"`
	Site         string           `json:"site,omitempty"`
	StockID      string           `json:"stock_id,omitempty"`
	OrderID      int64            `json:"order_id,omitempty"`
	TaskID       string           `json:"task_id,omitempty"`
	Status       string           `json:"status,omitempty"`
	DownloadLink string           `json:"download_link,omitempty"`
	FileName     string           `json:"file_name,omitempty"`
	Cost         *decimal.Decimal `json:"cost,omitempty"`
	Balance      *decimal.Decimal `json:"balance,omitempty"`
	Message      string           `json:"message,omitempty"`
	Timeout      bool             `json:"timeout,omitempty"`
}

// Charged reports whether the user paid for this result.
func (r *OrderResult) Charged() bool {
	return r.Kind == ResultCreated || r.Kind == ResultQueued
}

// OrderStore is the stock order storage the orchestrator needs. *repository.StockOrderRepo implements it.
type OrderStore interface {
	FindExisting(ctx context.Context, userID int64, site, stockID string) (*models.StockOrder, error)
	GetByTaskID(ctx context.Context, taskID string) (*models.StockOrder, error)
	Upsert(ctx context.Context, tx pgx.Tx, in models.OrderUpsert) (int64, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, taskID, status string, f models.OrderFields) (bool, error)
	TransitionStatus(ctx context.Context, tx pgx.Tx, taskID, status string, f models.OrderFields) (bool, error)
	ListForUser(ctx context.Context, userID int64, limit, offset int) ([]*models.StockOrder, error)
	CountForUser(ctx context.Context, userID int64) (int64, error)
}

// RemoteProvider is the remote fulfilment API. *provider.Client implements it.
type RemoteProvider interface {
	PlaceOrder(ctx context.Context, site, stockID, sourceURL string) (*provider.PlaceResult, error)
	GetStatus(ctx context.Context, taskID string) (*provider.StatusResult, error)
	GetDownload(ctx context.Context, taskID string) (*provider.DownloadResult, error)
	GetPreview(ctx context.Context, site, stockID, sourceURL string) (*provider.Preview, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RefreshEnqueuer schedules background status polling for a task inside tx.
type RefreshEnqueuer func(ctx context.Context, tx pgx.Tx, taskID string) error

var (
	_ OrderStore     = (*repository.StockOrderRepo)(nil)
	_ RemoteProvider = (*provider.Client)(nil)
)

// Orchestrator places stock orders against the wallet ledger and tracks them to completion.
// Every charge and order row for a user is written while holding that user's lock.
type Orchestrator struct {
	Catalog        *resolver.Catalog
	Ledger         ledger.Service
	Orders         OrderStore
	Pool           TxBeginner
	Remote         RemoteProvider
	Locker         UserLocker
	EnqueueRefresh RefreshEnqueuer
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	PreviewTimeout time.Duration

	newBatchID func() string
}

func NewOrchestrator(
	catalog *resolver.Catalog,
	ledgerSvc ledger.Service,
	orders OrderStore,
	pool TxBeginner,
	remote RemoteProvider,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Catalog:        catalog,
		Ledger:         ledgerSvc,
		Orders:         orders,
		Pool:           pool,
		Remote:         remote,
		Locker:         NewKeyedLocker(),
		Logger:         logger,
		PreviewTimeout: defaultPreviewTimeout,
		newBatchID:     uuid.NewString,
	}
}

// PlaceOrder resolves rawURL, checks for an existing order and the balance, places the
// remote order and only then charges the user. expectedCost, when set, must equal the
// current provider price. Business outcomes are returned as an OrderResult; the error is
// reserved for infrastructure failures.
func (o *Orchestrator) PlaceOrder(ctx context.Context, userID int64, rawURL string, expectedCost *decimal.Decimal) (*OrderResult, error) {
	if userID <= 0 {
		return nil, ledger.ErrInvalidUser
	}
	sourceURL := strings.TrimSpace(rawURL)
	match, prov, res := o.resolve(sourceURL)
	if res != nil {
		return o.observe(res), nil
	}
	cost := prov.Points
	if expectedCost != nil && !expectedCost.Equal(cost) {
		return o.observe(&OrderResult{Kind: ResultCostChanged, URL: sourceURL, Site: match.Site, StockID: match.StockID, Cost: &cost,
			Message: "price changed, confirm the new cost"}), nil
	}

	unlock, err := o.Locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := o.Orders.FindExisting(ctx, userID, match.Site, match.StockID)
	if err != nil {
		return nil, fmt.Errorf("find existing order: %w", err)
	}
	if res := existingResult(sourceURL, existing); res != nil {
		return o.observe(res), nil
	}

	balance, err := o.Ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if balance.LessThan(cost) {
		return o.observe(&OrderResult{Kind: ResultInsufficientPoints, URL: sourceURL, Site: match.Site, StockID: match.StockID,
			Cost: &cost, Balance: &balance}), nil
	}

	placed, err := o.Remote.PlaceOrder(ctx, match.Site, match.StockID, sourceURL)
	if err != nil {
		o.Logger.Warn("remote order placement failed",
			"user_id", userID, "site", match.Site, "stock_id", match.StockID, "error", err)
		return o.observe(remoteErrorResult(sourceURL, match, err)), nil
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
	debit := &models.NewTransaction{
		UserID: userID,
		Type:   models.TxTypeStockOrder,
		Points: cost.Neg(),
		Meta: models.TransactionMeta{Order: &models.OrderMeta{
			TaskID: placed.TaskID, Site: match.Site, StockID: match.StockID,
		}},
	}
	orderID, err := o.persistOrder(ctx, up, debit)
	if err != nil {
		o.Metrics.ObserveReconcile("place")
		o.Logger.Error("reconcile: remote order placed but charge and order not recorded",
			"user_id", userID, "task_id", placed.TaskID, "site", match.Site, "stock_id", match.StockID,
			"points", cost.String(), "error", err)
		return nil, fmt.Errorf("%w: task %s: %v", ErrReconcile, placed.TaskID, err)
	}
	o.Metrics.ObservePoints(models.TxTypeStockOrder, cost.Neg().InexactFloat64())

	newBalance, err := o.Ledger.GetBalance(ctx, userID)
	if err != nil {
		o.Logger.Warn("read balance after order", "user_id", userID, "error", err)
		newBalance = balance.Sub(cost)
	}
	o.Logger.Info("stock order placed",
		"user_id", userID, "order_id", orderID, "task_id", placed.TaskID, "site", match.Site, "stock_id", match.StockID,
		"points", cost.String())
	return o.observe(&OrderResult{
		Kind: ResultCreated, URL: sourceURL, Site: match.Site, StockID: match.StockID,
		OrderID: orderID, TaskID: placed.TaskID, Status: models.OrderStatusPending,
		Cost: &cost, Balance: &newBalance,
	}), nil
}

// resolve maps a URL onto an enabled provider. A non-nil result means the order stops here.
func (o *Orchestrator) resolve(sourceURL string) (resolver.Match, models.Provider, *OrderResult) {
	match, err := o.Catalog.Resolver().Resolve(sourceURL)
	if err != nil {
		return match, models.Provider{}, &OrderResult{Kind: ResultUnsupportedSite, URL: sourceURL, Message: "unsupported site or URL"}
	}
	prov, ok := o.Catalog.Provider(match.Site)
	if !ok || !prov.Enabled {
		return match, prov, &OrderResult{Kind: ResultProviderDisabled, URL: sourceURL, Site: match.Site, StockID: match.StockID,
			Message: "provider is currently disabled"}
	}
	return match, prov, nil
}

// existingResult short-circuits a repeat order. A failed order may be ordered again.
func existingResult(sourceURL string, existing *models.StockOrder) *OrderResult {
	if existing == nil || existing.Status == models.OrderStatusFailed {
		return nil
	}
	res := &OrderResult{
		Kind: ResultInProgress, URL: sourceURL, Site: existing.Site, StockID: existing.StockID,
		OrderID: existing.ID, TaskID: existing.TaskID, Status: existing.Status,
	}
	if existing.HasUsableLink() {
		res.Kind = ResultAlreadyOwned
		res.DownloadLink = existing.DownloadLink
		res.FileName = existing.FileName
	}
	return res
}

func remoteErrorResult(sourceURL string, match resolver.Match, err error) *OrderResult {
	return &OrderResult{
		Kind: ResultRemoteError, URL: sourceURL, Site: match.Site, StockID: match.StockID,
		Message: "the download provider could not accept the order, try again later",
		Timeout: errors.Is(err, provider.ErrTimeout),
	}
}

// newOrderFields builds the optional columns of a fresh order, with a best-effort preview.
func (o *Orchestrator) newOrderFields(ctx context.Context, match resolver.Match, prov models.Provider, sourceURL string, placed *provider.PlaceResult) models.OrderFields {
	label := prov.Label
	f := models.OrderFields{
		SourceURL:     &sourceURL,
		ProviderLabel: &label,
		RemoteCost:    placed.Cost,
		RawResponse:   placed.Raw,
		RawLabel:      "place",
	}
	if thumb := o.preview(ctx, match, sourceURL); thumb != "" {
		f.PreviewThumb = &thumb
	}
	return f
}

func (o *Orchestrator) preview(ctx context.Context, match resolver.Match, sourceURL string) string {
	timeout := o.PreviewTimeout
	if timeout <= 0 {
		timeout = defaultPreviewTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p, err := o.Remote.GetPreview(ctx, match.Site, match.StockID, sourceURL)
	if err != nil {
		o.Logger.Debug("preview unavailable", "site", match.Site, "stock_id", match.StockID, "error", err)
		return ""
	}
	return p.ThumbnailURL
}

// persistOrder writes the order row, the optional debit and the refresh job in one
// transaction. A unique-constraint collision is retried once.
func (o *Orchestrator) persistOrder(ctx context.Context, up models.OrderUpsert, debit *models.NewTransaction) (int64, error) {
	id, err := o.persistOnce(ctx, up, debit)
	if errors.Is(err, repository.ErrConflict) {
		o.Logger.Warn("stock order write conflict, retrying",
			"user_id", up.UserID, "site", up.Site, "stock_id", up.StockID, "task_id", up.TaskID, "error", err)
		id, err = o.persistOnce(ctx, up, debit)
	}
	return id, err
}

func (o *Orchestrator) persistOnce(ctx context.Context, up models.OrderUpsert, debit *models.NewTransaction) (int64, error) {
	tx, err := o.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	orderID, err := o.Orders.Upsert(ctx, tx, up)
	if err != nil {
		return 0, err
	}
	if debit != nil {
		nt := *debit
		if nt.Meta.Order != nil {
			meta := *nt.Meta.Order
			meta.OrderID = orderID
			nt.Meta.Order = &meta
		}
		if _, err := o.Ledger.AddTransactionTx(ctx, tx, nt); err != nil {
			return 0, fmt.Errorf("debit: %w", err)
		}
	}
	if o.EnqueueRefresh != nil {
		if err := o.EnqueueRefresh(ctx, tx, up.TaskID); err != nil {
			return 0, fmt.Errorf("enqueue refresh: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return orderID, nil
}

func (o *Orchestrator) observe(res *OrderResult) *OrderResult {
	o.Metrics.ObserveOrder(res.Site, string(res.Kind))
	return res
}

// OrderForUser returns the order behind taskID if it belongs to userID. Orders of other
// users are reported as not found.
func (o *Orchestrator) OrderForUser(ctx context.Context, userID int64, taskID string) (*models.StockOrder, error) {
	order, err := o.Orders.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (o *Orchestrator) ListOrders(ctx context.Context, userID int64, page, pageSize int) (models.Page[*models.StockOrder], error) {
	page, pageSize = models.NormalizePage(page, pageSize)
	out := models.Page[*models.StockOrder]{Page: page, PageSize: pageSize}
	total, err := o.Orders.CountForUser(ctx, userID)
	if err != nil {
		return out, err
	}
	items, err := o.Orders.ListForUser(ctx, userID, pageSize, models.Offset(page, pageSize))
	if err != nil {
		return out, err
	}
	if items == nil {
		items = []*models.StockOrder{}
	}
	out.Items = items
	out.Total = total
	return out, nil
}

func (o *Orchestrator) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return o.Ledger.GetBalance(ctx, userID)
}

func (o *Orchestrator) ListTransactions(ctx context.Context, userID int64, page, pageSize int, txType string) (models.Page[*models.WalletTransaction], error) {
	return o.Ledger.ListTransactions(ctx, userID, page, pageSize, txType)
}

// AddTransaction appends a ledger row (top-up, renewal, adjustment) under the user's
// lock so it cannot interleave with an order's balance check and charge.
func (o *Orchestrator) AddTransaction(ctx context.Context, nt models.NewTransaction) (int64, error) {
	if nt.UserID <= 0 {
		return 0, ledger.ErrInvalidUser
	}
	unlock, err := o.Locker.Lock(ctx, nt.UserID)
	if err != nil {
		return 0, err
	}
	defer unlock()
	id, err := o.Ledger.AddTransaction(ctx, nt)
	if err != nil {
		return 0, err
	}
	o.Metrics.ObservePoints(nt.Type, nt.Points.InexactFloat64())
	o.Logger.Info("wallet transaction added", "user_id", nt.UserID, "transaction_id", id, "type", nt.Type, "points", nt.Points.String())
	return id, nil
}
