package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/stockpoints/backend/internal/models"
)

// ErrConflict is returned when a write hits a unique constraint the upsert does not
// resolve itself (e.g. a task id reused by the provider).
var ErrConflict = errors.New("stock order conflict")

const uniqueViolation = "23505"

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the subset of *pgxpool.Pool the repository uses.
type Pool interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StockOrderRepo stores one row per (user_id, site, stock_id).
// Write methods take an optional tx; nil runs on the pool.
type StockOrderRepo struct {
	pool Pool
	now  func() time.Time
}

func NewStockOrderRepo(pool Pool) *StockOrderRepo {
	return &StockOrderRepo{pool: pool, now: time.Now}
}

func (r *StockOrderRepo) db(tx pgx.Tx) DBTX {
	if tx != nil {
		return tx
	}
	return r.pool
}

const orderColumns = `id, user_id, site, stock_id, source_url, provider_label, task_id, status,
	cost_points::text, remote_cost::text, download_link, file_name, link_type, preview_thumb,
	raw_response, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.StockOrder, error) {
	var (
		o          models.StockOrder
		cost       string
		remoteCost *string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.Site, &o.StockID, &o.SourceURL, &o.ProviderLabel, &o.TaskID, &o.Status,
		&cost, &remoteCost, &o.DownloadLink, &o.FileName, &o.LinkType, &o.PreviewThumb,
		&o.RawResponse, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.CostPoints, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("parse cost_points of order %d: %w", o.ID, err)
	}
	if remoteCost != nil {
		rc, err := decimal.NewFromString(*remoteCost)
		if err != nil {
			return nil, fmt.Errorf("parse remote_cost of order %d: %w", o.ID, err)
		}
		o.RemoteCost = &rc
	}
	return &o, nil
}

// FindExisting returns the user's order for (site, stockID), or nil when there is none.
func (r *StockOrderRepo) FindExisting(ctx context.Context, userID int64, site, stockID string) (*models.StockOrder, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM stock_orders WHERE user_id = $1 AND site = $2 AND stock_id = $3
	`, userID, site, stockID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find stock order: %w", err)
	}
	return o, nil
}

// GetByTaskID returns the order with the given task id, or nil when there is none.
func (r *StockOrderRepo) GetByTaskID(ctx context.Context, taskID string) (*models.StockOrder, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM stock_orders WHERE task_id = $1
	`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stock order by task: %w", err)
	}
	return o, nil
}

// fieldArgs renders OrderFields as SQL parameters. A nil raw payload stays NULL so the
// merge expressions below keep the existing raw_response.
func (r *StockOrderRepo) fieldArgs(f models.OrderFields) []any {
	var remoteCost *string
	if f.RemoteCost != nil {
		s := f.RemoteCost.String()
		remoteCost = &s
	}
	var raw any
	if len(f.RawResponse) > 0 {
		raw = string(f.RawResponse)
	}
	return []any{
		f.SourceURL, f.ProviderLabel, f.DownloadLink, f.FileName, f.LinkType, f.PreviewThumb,
		remoteCost, raw, models.RawResponseKey(f.RawLabel, r.now()),
	}
}

// Parameters $1..$6 are the row key and charge, $7..$15 come from fieldArgs.
// A new task id invalidates a link cached for the previous task.
const upsertOrderSQL = `
	INSERT INTO stock_orders (user_id, site, stock_id, task_id, cost_points, status,
		source_url, provider_label, download_link, file_name, link_type, preview_thumb, remote_cost, raw_response)
	VALUES ($1, $2, $3, $4, $5::numeric, $6,
		COALESCE($7::text, ''), COALESCE($8::text, ''), COALESCE($9::text, ''), COALESCE($10::text, ''),
		COALESCE($11::text, ''), COALESCE($12::text, ''), $13::numeric,
		CASE WHEN $14::jsonb IS NULL THEN '{}'::jsonb ELSE jsonb_build_object($15::text, $14::jsonb) END)
	ON CONFLICT (user_id, site, stock_id) DO UPDATE SET
		task_id        = EXCLUDED.task_id,
		cost_points    = EXCLUDED.cost_points,
		status         = EXCLUDED.status,
		source_url     = COALESCE($7::text, stock_orders.source_url),
		provider_label = COALESCE($8::text, stock_orders.provider_label),
		download_link  = COALESCE($9::text, CASE WHEN stock_orders.task_id = EXCLUDED.task_id THEN stock_orders.download_link ELSE '' END),
		file_name      = COALESCE($10::text, CASE WHEN stock_orders.task_id = EXCLUDED.task_id THEN stock_orders.file_name ELSE '' END),
		link_type      = COALESCE($11::text, CASE WHEN stock_orders.task_id = EXCLUDED.task_id THEN stock_orders.link_type ELSE '' END),
		preview_thumb  = COALESCE($12::text, stock_orders.preview_thumb),
		remote_cost    = COALESCE($13::numeric, stock_orders.remote_cost),
		raw_response   = CASE WHEN $14::jsonb IS NULL THEN stock_orders.raw_response
		                      ELSE stock_orders.raw_response || jsonb_build_object($15::text, $14::jsonb) END,
		updated_at     = now()
	RETURNING id
`

// Upsert inserts or updates the row for (UserID, Site, StockID) and returns its id.
func (r *StockOrderRepo) Upsert(ctx context.Context, tx pgx.Tx, in models.OrderUpsert) (int64, error) {
	status := in.Status
	if status == "" {
		status = models.OrderStatusPending
	}
	args := append([]any{in.UserID, in.Site, in.StockID, in.TaskID, in.CostPoints.String(), status}, r.fieldArgs(in.Fields)...)
	var id int64
	if err := r.db(tx).QueryRow(ctx, upsertOrderSQL, args...).Scan(&id); err != nil {
		return 0, mapWriteErr("upsert stock order", err)
	}
	return id, nil
}

// $1 task id, $2 status (empty keeps the current one), $3..$11 from fieldArgs.
const updateStatusSQL = `
	UPDATE stock_orders SET
		status         = COALESCE(NULLIF($2, ''), status),
		source_url     = COALESCE($3::text, source_url),
		provider_label = COALESCE($4::text, provider_label),
		download_link  = COALESCE($5::text, download_link),
		file_name      = COALESCE($6::text, file_name),
		link_type      = COALESCE($7::text, link_type),
		preview_thumb  = COALESCE($8::text, preview_thumb),
		remote_cost    = COALESCE($9::numeric, remote_cost),
		raw_response   = CASE WHEN $10::jsonb IS NULL THEN raw_response
		                      ELSE raw_response || jsonb_build_object($11::text, $10::jsonb) END,
		updated_at     = now()
	WHERE task_id = $1`

// UpdateStatus updates the order with taskID. It reports false when no row matched.
func (r *StockOrderRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, taskID, status string, f models.OrderFields) (bool, error) {
	return r.update(ctx, tx, updateStatusSQL, taskID, status, f)
}

// TransitionStatus is UpdateStatus restricted to orders that are not yet terminal, so a
// completed or failed order is never moved again. It reports whether the row changed.
func (r *StockOrderRepo) TransitionStatus(ctx context.Context, tx pgx.Tx, taskID, status string, f models.OrderFields) (bool, error) {
	return r.update(ctx, tx, updateStatusSQL+` AND status NOT IN ('completed', 'failed')`, taskID, status, f)
}

func (r *StockOrderRepo) update(ctx context.Context, tx pgx.Tx, sql, taskID, status string, f models.OrderFields) (bool, error) {
	args := append([]any{taskID, status}, r.fieldArgs(f)...)
	tag, err := r.db(tx).Exec(ctx, sql, args...)
	if err != nil {
		return false, mapWriteErr("update stock order", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListForUser returns the user's orders newest first.
func (r *StockOrderRepo) ListForUser(ctx context.Context, userID int64, limit, offset int) ([]*models.StockOrder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM stock_orders WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list stock orders: %w", err)
	}
	defer rows.Close()
	var list []*models.StockOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

func (r *StockOrderRepo) CountForUser(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM stock_orders WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

// ListActiveTaskIDs returns task ids of non-terminal orders created after createdAfter,
// least recently updated first.
func (r *StockOrderRepo) ListActiveTaskIDs(ctx context.Context, createdAfter time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id FROM stock_orders
		WHERE status NOT IN ('completed', 'failed') AND created_at > $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, createdAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("list active stock orders: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func mapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
