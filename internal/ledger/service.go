// Package ledger is the wallet ledger: an append-only log of signed point transactions.
// A balance is always the sum of the log, never a stored counter.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/stockpoints/backend/internal/models"
)

var (
	// ErrInvalidUser is returned for user ids <= 0.
	ErrInvalidUser = errors.New("invalid user id")
	// ErrInvalidType is returned for an empty transaction type.
	ErrInvalidType = errors.New("transaction type is required")
	// ErrInvalidAmount is returned for points or currency amounts finer than the stored scale.
	ErrInvalidAmount = errors.New("amount has more than 4 decimal places")
)

// amountScale is the scale of the NUMERIC(20,4) amount columns.
const amountScale = 4

// Store is the storage the service needs. *Repository implements it.
type Store interface {
	Append(ctx context.Context, nt models.NewTransaction) (*models.WalletTransaction, error)
	AppendTx(ctx context.Context, tx pgx.Tx, nt models.NewTransaction) (*models.WalletTransaction, error)
	SumPoints(ctx context.Context, userID int64) (decimal.Decimal, error)
	List(ctx context.Context, userID int64, txType string, limit, offset int) ([]*models.WalletTransaction, error)
	Count(ctx context.Context, userID int64, txType string) (int64, error)
}

type Service interface {
	GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	AddTransaction(ctx context.Context, nt models.NewTransaction) (int64, error)
	AddTransactionTx(ctx context.Context, tx pgx.Tx, nt models.NewTransaction) (int64, error)
	ListTransactions(ctx context.Context, userID int64, page, pageSize int, txType string) (models.Page[*models.WalletTransaction], error)
}

type service struct {
	store Store
}

func NewService(store Store) Service {
	return &service{store: store}
}

var _ Service = (*service)(nil)
var _ Store = (*Repository)(nil)

// GetBalance sums the user's log. It does not validate the user id: an unknown user has 0.
func (s *service) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.store.SumPoints(ctx, userID)
}

// AddTransaction appends one row. Any signed amount is accepted, zero included;
// sufficiency checks belong to the caller.
func (s *service) AddTransaction(ctx context.Context, nt models.NewTransaction) (int64, error) {
	if err := validate(&nt); err != nil {
		return 0, err
	}
	t, err := s.store.Append(ctx, nt)
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

// AddTransactionTx is AddTransaction inside the caller's transaction.
func (s *service) AddTransactionTx(ctx context.Context, tx pgx.Tx, nt models.NewTransaction) (int64, error) {
	if err := validate(&nt); err != nil {
		return 0, err
	}
	t, err := s.store.AppendTx(ctx, tx, nt)
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

func (s *service) ListTransactions(ctx context.Context, userID int64, page, pageSize int, txType string) (models.Page[*models.WalletTransaction], error) {
	page, pageSize = models.NormalizePage(page, pageSize)
	out := models.Page[*models.WalletTransaction]{Page: page, PageSize: pageSize}
	if userID <= 0 {
		return out, ErrInvalidUser
	}
	txType = strings.TrimSpace(txType)
	total, err := s.store.Count(ctx, userID, txType)
	if err != nil {
		return out, err
	}
	items, err := s.store.List(ctx, userID, txType, pageSize, models.Offset(page, pageSize))
	if err != nil {
		return out, err
	}
	if items == nil {
		items = []*models.WalletTransaction{}
	}
	out.Items = items
	out.Total = total
	return out, nil
}

func validate(nt *models.NewTransaction) error {
	if nt.UserID <= 0 {
		return ErrInvalidUser
	}
	nt.Type = strings.TrimSpace(nt.Type)
	if nt.Type == "" {
		return ErrInvalidType
	}
	if !fitsScale(nt.Points) || (nt.CurrencyAmount != nil && !fitsScale(*nt.CurrencyAmount)) {
		return ErrInvalidAmount
	}
	return nil
}

func fitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(amountScale))
}
