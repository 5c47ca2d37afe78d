package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockpoints/backend/internal/ledger"
	"github.com/stockpoints/backend/internal/metrics"
	"github.com/stockpoints/backend/internal/models"
	"github.com/stockpoints/backend/internal/provider"
	"github.com/stockpoints/backend/internal/repository"
	"github.com/stockpoints/backend/internal/resolver"
)

// ---------------------------------------------------------------------------
// fakeTx satisfies pgx.Tx. Writes made through it by the in-memory stores are
// queued and only applied on Commit, so rollbacks behave like the database.
// ---------------------------------------------------------------------------

type fakeTx struct {
	mu        sync.Mutex
	pending   []func()
	commitErr error
	done      bool
	committed bool
}

func (tx *fakeTx) queue(fn func()) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.pending = append(tx.pending, fn)
}

func (tx *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested tx not supported")
}
func (tx *fakeTx) Commit(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	if tx.commitErr != nil {
		tx.pending = nil
		return tx.commitErr
	}
	for _, fn := range tx.pending {
		fn()
	}
	tx.pending = nil
	tx.committed = true
	return nil
}
func (tx *fakeTx) Rollback(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.pending = nil
	return nil
}
func (tx *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (tx *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (tx *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (tx *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (tx *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (tx *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (tx *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (tx *fakeTx) Conn() *pgx.Conn { return nil }

// run applies fn now, or on commit when tx is a fakeTx.
func run(tx pgx.Tx, fn func()) {
	if ftx, ok := tx.(*fakeTx); ok && ftx != nil {
		ftx.queue(fn)
		return
	}
	fn()
}

// --- TxBeginner ---

type fakePool struct {
	mu        sync.Mutex
	commitErr error
	txs       []*fakeTx
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx := &fakeTx{commitErr: p.commitErr}
	p.txs = append(p.txs, tx)
	return tx, nil
}

// --- ledger.Service ---

type memLedger struct {
	mu     sync.Mutex
	rows   []*models.WalletTransaction
	nextID int64
	// addErr fails AddTransaction (not the Tx variant).
	addErr error
}

var _ ledger.Service = (*memLedger)(nil)

func (m *memLedger) append(nt models.NewTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.rows = append(m.rows, &models.WalletTransaction{ID: m.nextID, UserID: nt.UserID, Type: nt.Type, Points: nt.Points, Meta: nt.Meta})
}

func (m *memLedger) GetBalance(_ context.Context, userID int64) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, r := range m.rows {
		if r.UserID == userID {
			sum = sum.Add(r.Points)
		}
	}
	return sum, nil
}

func (m *memLedger) AddTransaction(_ context.Context, nt models.NewTransaction) (int64, error) {
	if nt.UserID <= 0 {
		return 0, ledger.ErrInvalidUser
	}
	m.mu.Lock()
	err := m.addErr
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	m.append(nt)
	return m.lastID(), nil
}

func (m *memLedger) AddTransactionTx(_ context.Context, tx pgx.Tx, nt models.NewTransaction) (int64, error) {
	if nt.UserID <= 0 {
		return 0, ledger.ErrInvalidUser
	}
	run(tx, func() { m.append(nt) })
	return m.lastID() + 1, nil
}

func (m *memLedger) ListTransactions(_ context.Context, userID int64, page, pageSize int, txType string) (models.Page[*models.WalletTransaction], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*models.WalletTransaction
	for i := len(m.rows) - 1; i >= 0; i-- {
		if r := m.rows[i]; r.UserID == userID && (txType == "" || r.Type == txType) {
			items = append(items, r)
		}
	}
	return models.Page[*models.WalletTransaction]{Items: items, Page: page, PageSize: pageSize, Total: int64(len(items))}, nil
}

func (m *memLedger) lastID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

func (m *memLedger) ofType(userID int64, typ string) []*models.WalletTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WalletTransaction
	for _, r := range m.rows {
		if r.UserID == userID && r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// --- OrderStore ---

type memOrders struct {
	mu     sync.Mutex
	rows   []*models.StockOrder
	nextID int64
	// upsertErrs are returned by successive Upsert calls before any real write.
	upsertErrs []error
}

var _ OrderStore = (*memOrders)(nil)

func (m *memOrders) find(pred func(*models.StockOrder) bool) *models.StockOrder {
	for _, o := range m.rows {
		if pred(o) {
			return o
		}
	}
	return nil
}

func copyOrder(o *models.StockOrder) *models.StockOrder {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

func applyFields(o *models.StockOrder, f models.OrderFields) {
	if f.SourceURL != nil {
		o.SourceURL = *f.SourceURL
	}
	if f.ProviderLabel != nil {
		o.ProviderLabel = *f.ProviderLabel
	}
	if f.DownloadLink != nil {
		o.DownloadLink = *f.DownloadLink
	}
	if f.FileName != nil {
		o.FileName = *f.FileName
	}
	if f.LinkType != nil {
		o.LinkType = *f.LinkType
	}
	if f.PreviewThumb != nil {
		o.PreviewThumb = *f.PreviewThumb
	}
	if f.RemoteCost != nil {
		o.RemoteCost = f.RemoteCost
	}
}

func (m *memOrders) FindExisting(_ context.Context, userID int64, site, stockID string) (*models.StockOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyOrder(m.find(func(o *models.StockOrder) bool {
		return o.UserID == userID && o.Site == site && o.StockID == stockID
	})), nil
}

func (m *memOrders) GetByTaskID(_ context.Context, taskID string) (*models.StockOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyOrder(m.find(func(o *models.StockOrder) bool { return o.TaskID == taskID })), nil
}

func (m *memOrders) Upsert(_ context.Context, tx pgx.Tx, in models.OrderUpsert) (int64, error) {
	m.mu.Lock()
	if len(m.upsertErrs) > 0 {
		err := m.upsertErrs[0]
		m.upsertErrs = m.upsertErrs[1:]
		m.mu.Unlock()
		return 0, err
	}
	if other := m.find(func(o *models.StockOrder) bool { return o.TaskID == in.TaskID }); other != nil &&
		(other.UserID != in.UserID || other.Site != in.Site || other.StockID != in.StockID) {
		m.mu.Unlock()
		return 0, fmt.Errorf("upsert: %w", repository.ErrConflict)
	}
	existing := m.find(func(o *models.StockOrder) bool {
		return o.UserID == in.UserID && o.Site == in.Site && o.StockID == in.StockID
	})
	var id int64
	if existing != nil {
		id = existing.ID
	} else {
		m.nextID++
		id = m.nextID
	}
	m.mu.Unlock()

	run(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		row := m.find(func(o *models.StockOrder) bool { return o.ID == id })
		if row == nil {
			row = &models.StockOrder{ID: id, UserID: in.UserID, Site: in.Site, StockID: in.StockID}
			m.rows = append(m.rows, row)
		} else if row.TaskID != in.TaskID {
			row.DownloadLink, row.FileName, row.LinkType = "", "", ""
		}
		row.TaskID = in.TaskID
		row.CostPoints = in.CostPoints
		row.Status = in.Status
		applyFields(row, in.Fields)
	})
	return id, nil
}

func (m *memOrders) update(tx pgx.Tx, taskID, status string, f models.OrderFields, onlyActive bool) bool {
	m.mu.Lock()
	row := m.find(func(o *models.StockOrder) bool { return o.TaskID == taskID })
	ok := row != nil && !(onlyActive && models.IsTerminalStatus(row.Status))
	m.mu.Unlock()
	if !ok {
		return false
	}
	run(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if status != "" {
			row.Status = status
		}
		applyFields(row, f)
	})
	return true
}

func (m *memOrders) UpdateStatus(_ context.Context, tx pgx.Tx, taskID, status string, f models.OrderFields) (bool, error) {
	return m.update(tx, taskID, status, f, false), nil
}

func (m *memOrders) TransitionStatus(_ context.Context, tx pgx.Tx, taskID, status string, f models.OrderFields) (bool, error) {
	return m.update(tx, taskID, status, f, true), nil
}

func (m *memOrders) ListForUser(_ context.Context, userID int64, limit, offset int) ([]*models.StockOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*models.StockOrder
	for _, o := range m.rows {
		if o.UserID == userID {
			all = append(all, copyOrder(o))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *memOrders) CountForUser(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.rows {
		if o.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memOrders) byTask(taskID string) *models.StockOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyOrder(m.find(func(o *models.StockOrder) bool { return o.TaskID == taskID }))
}

func (m *memOrders) seed(o models.StockOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o.ID = m.nextID
	m.rows = append(m.rows, &o)
}

// --- RemoteProvider ---

type fakeRemote struct {
	mu          sync.Mutex
	nextTask    int
	placeCalls  int
	statusCalls int
	placeErr    error
	status      map[string]*provider.StatusResult
	statusErr   error
	download    map[string]*provider.DownloadResult
	downloadErr error
	previewErr  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		status:   make(map[string]*provider.StatusResult),
		download: make(map[string]*provider.DownloadResult),
	}
}

func (r *fakeRemote) PlaceOrder(_ context.Context, site, stockID, _ string) (*provider.PlaceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placeCalls++
	if r.placeErr != nil {
		return nil, r.placeErr
	}
	r.nextTask++
	return &provider.PlaceResult{
		TaskID: fmt.Sprintf("T%d", r.nextTask),
		Raw:    []byte(fmt.Sprintf(`{"success":true,"site":%q,"id":%q}`, site, stockID)),
	}, nil
}

func (r *fakeRemote) GetStatus(_ context.Context, taskID string) (*provider.StatusResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCalls++
	if r.statusErr != nil {
		return nil, r.statusErr
	}
	if st, ok := r.status[taskID]; ok {
		return st, nil
	}
	return &provider.StatusResult{Status: "pending"}, nil
}

func (r *fakeRemote) GetDownload(_ context.Context, taskID string) (*provider.DownloadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.downloadErr != nil {
		return nil, r.downloadErr
	}
	if dl, ok := r.download[taskID]; ok {
		return dl, nil
	}
	return nil, provider.ErrNotReady
}

func (r *fakeRemote) GetPreview(_ context.Context, site, stockID, _ string) (*provider.Preview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.previewErr != nil {
		return nil, r.previewErr
	}
	return &provider.Preview{ThumbnailURL: "https://thumbs.example/" + site + "/" + stockID + ".jpg"}, nil
}

func (r *fakeRemote) placed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.placeCalls
}

// ---------------------------------------------------------------------------

type harness struct {
	o        *Orchestrator
	ledger   *memLedger
	orders   *memOrders
	remote   *fakeRemote
	pool     *fakePool
	metrics  *metrics.Metrics
	mu       sync.Mutex
	enqueued []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := resolver.DefaultCatalog()
	require.NoError(t, err)
	h := &harness{
		ledger:  &memLedger{},
		orders:  &memOrders{},
		remote:  newFakeRemote(),
		pool:    &fakePool{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.o = NewOrchestrator(catalog, h.ledger, h.orders, h.pool, h.remote, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.o.Metrics = h.metrics
	h.o.newBatchID = func() string { return "batch-1" }
	h.o.EnqueueRefresh = func(_ context.Context, tx pgx.Tx, taskID string) error {
		run(tx, func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.enqueued = append(h.enqueued, taskID)
		})
		return nil
	}
	return h
}

func (h *harness) fund(userID int64, points string) {
	h.ledger.append(models.NewTransaction{UserID: userID, Type: models.TxTypeWalletTopup, Points: decimal.RequireFromString(points)})
}

func (h *harness) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) jobs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.enqueued...)
}
