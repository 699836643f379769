// Package ledger owns accounts, positions and the append-only transaction
// log. Every primitive runs inside a caller-provided serializable transaction,
// locks the rows it mutates and records a Transaction bracketing the
// available-balance delta, so that over any window the signed amounts on an
// account sum to the change in its available balance.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

// Ref carries the optional references a transaction record points back to.
type Ref struct {
	OrderID  *int64
	TradeID  *int64
	MarketID *int64
}

func OrderRef(orderID int64) Ref { return Ref{OrderID: &orderID} }

func MarketRef(marketID int64) Ref { return Ref{MarketID: &marketID} }

func TradeRef(tradeID, marketID int64) Ref {
	return Ref{TradeID: &tradeID, MarketID: &marketID}
}

type Service struct{}

func NewService() *Service {
	return &Service{}
}

func (s *Service) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (model.Account, error) {
	var a model.Account
	err := tx.QueryRow(ctx,
		`select id, username, balance, reserved, created_at from accounts where id = $1 for update`,
		userID,
	).Scan(&a.ID, &a.Username, &a.Balance, &a.Reserved, &a.CreatedAt)
	if err != nil {
		return a, pkgerrors.Wrapf(err, "lock account %d", userID)
	}
	return a, nil
}

// LockAccounts acquires the account row locks in ascending id order. Callers
// touching more than one account go through here first so concurrent fills
// cannot deadlock on each other.
func (s *Service) LockAccounts(ctx context.Context, tx pgx.Tx, userIDs ...int64) error {
	ids := append([]int64(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, err := s.GetAccountForUpdate(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) AvailableBalance(ctx context.Context, tx pgx.Tx, userID int64) (decimal.Decimal, error) {
	a, err := s.GetAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Available(), nil
}

// ReserveFunds locks amount against the account's open buy orders. Fails with
// InsufficientFundsError before any mutation.
func (s *Service) ReserveFunds(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, ref Ref, desc string) error {
	a, err := s.GetAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if a.Available().LessThan(amount) {
		return &trading.InsufficientFundsError{Required: amount, Available: a.Available()}
	}
	if _, err := tx.Exec(ctx,
		`update accounts set reserved = reserved + $1 where id = $2`, amount, userID); err != nil {
		return pkgerrors.Wrap(err, "reserve funds")
	}
	return s.insertTransaction(ctx, tx, model.Transaction{
		UserID:        userID,
		Type:          types.TxOrderReserve,
		Amount:        amount.Neg(),
		BalanceBefore: a.Available(),
		BalanceAfter:  a.Available().Sub(amount),
		OrderID:       ref.OrderID,
		TradeID:       ref.TradeID,
		MarketID:      ref.MarketID,
		Description:   desc,
	})
}

// ReleaseFunds returns amount from the reserved pool to the available pool.
func (s *Service) ReleaseFunds(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, ref Ref, desc string) error {
	a, err := s.GetAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`update accounts set reserved = reserved - $1 where id = $2`, amount, userID); err != nil {
		return pkgerrors.Wrap(err, "release funds")
	}
	return s.insertTransaction(ctx, tx, model.Transaction{
		UserID:        userID,
		Type:          types.TxOrderRelease,
		Amount:        amount,
		BalanceBefore: a.Available(),
		BalanceAfter:  a.Available().Add(amount),
		OrderID:       ref.OrderID,
		TradeID:       ref.TradeID,
		MarketID:      ref.MarketID,
		Description:   desc,
	})
}

// Charge debits the account balance and records a transaction of txType.
func (s *Service) Charge(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, txType types.TransactionType, ref Ref, desc string) error {
	a, err := s.GetAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if a.Available().LessThan(amount) {
		return &trading.InsufficientFundsError{Required: amount, Available: a.Available()}
	}
	if _, err := tx.Exec(ctx,
		`update accounts set balance = balance - $1 where id = $2`, amount, userID); err != nil {
		return pkgerrors.Wrap(err, "charge")
	}
	return s.insertTransaction(ctx, tx, model.Transaction{
		UserID:        userID,
		Type:          txType,
		Amount:        amount.Neg(),
		BalanceBefore: a.Available(),
		BalanceAfter:  a.Available().Sub(amount),
		OrderID:       ref.OrderID,
		TradeID:       ref.TradeID,
		MarketID:      ref.MarketID,
		Description:   desc,
	})
}

// Credit increments the account balance and records a transaction of txType.
func (s *Service) Credit(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, txType types.TransactionType, ref Ref, desc string) error {
	a, err := s.GetAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`update accounts set balance = balance + $1 where id = $2`, amount, userID); err != nil {
		return pkgerrors.Wrap(err, "credit")
	}
	return s.insertTransaction(ctx, tx, model.Transaction{
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: a.Available(),
		BalanceAfter:  a.Available().Add(amount),
		OrderID:       ref.OrderID,
		TradeID:       ref.TradeID,
		MarketID:      ref.MarketID,
		Description:   desc,
	})
}

// RecordZero writes a zero-amount audit record (settlement losses keep their
// trail without a balance change).
func (s *Service) RecordZero(ctx context.Context, tx pgx.Tx, userID int64, txType types.TransactionType, ref Ref, desc string) error {
	a, err := s.GetAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	return s.insertTransaction(ctx, tx, model.Transaction{
		UserID:        userID,
		Type:          txType,
		Amount:        decimal.Zero,
		BalanceBefore: a.Available(),
		BalanceAfter:  a.Available(),
		OrderID:       ref.OrderID,
		TradeID:       ref.TradeID,
		MarketID:      ref.MarketID,
		Description:   desc,
	})
}

func (s *Service) insertTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction) error {
	_, err := tx.Exec(ctx,
		`insert into transactions (user_id, type, amount, balance_before, balance_after, order_id, trade_id, market_id, description, created_at)
		 values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.UserID, string(t.Type), t.Amount, t.BalanceBefore, t.BalanceAfter,
		t.OrderID, t.TradeID, t.MarketID, t.Description, time.Now().UTC())
	return pkgerrors.Wrap(err, "insert transaction")
}

// ListTransactions returns a user's audit trail, newest first.
func (s *Service) ListTransactions(ctx context.Context, tx pgx.Tx, userID int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := tx.Query(ctx,
		`select id, user_id, type, amount, balance_before, balance_after, order_id, trade_id, market_id, description, created_at
		 from transactions where user_id = $1 order by created_at desc, id desc limit $2`,
		userID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list transactions")
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.OrderID, &t.TradeID, &t.MarketID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = types.TransactionType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}
