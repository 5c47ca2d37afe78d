package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/stockpoints/backend/internal/models"
)

// Repository reads and appends wallet_transactions. It never updates or deletes rows;
// the table additionally carries a trigger rejecting UPDATE/DELETE.
type Repository struct {
	pool Pool
}

// Pool is the subset of *pgxpool.Pool the repository uses.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool}
}

const insertTransactionSQL = `
	INSERT INTO wallet_transactions (user_id, type, points, currency_amount, currency_code, meta)
	VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6::jsonb)
	RETURNING id, created_at
`

// Append inserts one transaction in its own implicit transaction.
func (r *Repository) Append(ctx context.Context, nt models.NewTransaction) (*models.WalletTransaction, error) {
	return appendRow(ctx, r.pool.QueryRow, nt)
}

// AppendTx inserts one transaction inside the caller's transaction.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, nt models.NewTransaction) (*models.WalletTransaction, error) {
	return appendRow(ctx, tx.QueryRow, nt)
}

type queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row

func appendRow(ctx context.Context, queryRow queryRowFunc, nt models.NewTransaction) (*models.WalletTransaction, error) {
	meta, err := json.Marshal(nt.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	var currencyAmount *string
	if nt.CurrencyAmount != nil {
		s := nt.CurrencyAmount.String()
		currencyAmount = &s
	}
	t := &models.WalletTransaction{
		UserID:         nt.UserID,
		Type:           nt.Type,
		Points:         nt.Points,
		CurrencyAmount: nt.CurrencyAmount,
		CurrencyCode:   nt.CurrencyCode,
		Meta:           nt.Meta,
	}
	err = queryRow(ctx, insertTransactionSQL,
		nt.UserID, nt.Type, nt.Points.String(), currencyAmount, nt.CurrencyCode, meta,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert wallet transaction: %w", err)
	}
	return t, nil
}

// SumPoints returns the sum of all points of the user, 0 when there is no history.
func (r *Repository) SumPoints(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var sum string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(points), 0)::text FROM wallet_transactions WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum wallet transactions: %w", err)
	}
	return decimal.NewFromString(sum)
}

// List returns transactions newest first, ordered by (created_at, id) descending so pages
// stay stable when timestamps collide. txType "" means all types.
func (r *Repository) List(ctx context.Context, userID int64, txType string, limit, offset int) ([]*models.WalletTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, points::text, currency_amount::text, currency_code, meta, created_at
		FROM wallet_transactions
		WHERE user_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, userID, txType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()
	var list []*models.WalletTransaction
	for rows.Next() {
		var (
			t              models.WalletTransaction
			points         string
			currencyAmount *string
			meta           []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &points, &currencyAmount, &t.CurrencyCode, &meta, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Points, err = decimal.NewFromString(points); err != nil {
			return nil, fmt.Errorf("parse points of transaction %d: %w", t.ID, err)
		}
		if currencyAmount != nil {
			amt, err := decimal.NewFromString(*currencyAmount)
			if err != nil {
				return nil, fmt.Errorf("parse currency amount of transaction %d: %w", t.ID, err)
			}
			t.CurrencyAmount = &amt
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Meta); err != nil {
				return nil, fmt.Errorf("decode meta of transaction %d: %w", t.ID, err)
			}
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// Count returns the number of transactions List would page over.
func (r *Repository) Count(ctx context.Context, userID int64, txType string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM wallet_transactions WHERE user_id = $1 AND ($2 = '' OR type = $2)
	`, userID, txType).Scan(&n)
	return n, err
}
