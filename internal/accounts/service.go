// Package accounts is the thin cash-management adapter over the ledger:
// account creation, deposits, withdrawals and balance/transaction views.
package accounts

import (
	"context"

	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"predmarket/internal/db"
	"predmarket/internal/ledger"
	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

type Service struct {
	db        db.DB
	ledger    *ledger.Service
	faucetMax decimal.Decimal
	faucetOn  bool
}

func NewService(database db.DB, ledgerSvc *ledger.Service, faucetOn bool, faucetMax decimal.Decimal) *Service {
	return &Service{db: database, ledger: ledgerSvc, faucetOn: faucetOn, faucetMax: faucetMax}
}

func (s *Service) CreateAccount(ctx context.Context, username string) (model.Account, error) {
	var a model.Account
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`insert into accounts (username) values ($1) returning id, username, balance, reserved, created_at`,
			username,
		).Scan(&a.ID, &a.Username, &a.Balance, &a.Reserved, &a.CreatedAt)
	})
	return a, pkgerrors.Wrap(err, "create account")
}

func (s *Service) GetAccount(ctx context.Context, userID int64) (model.Account, error) {
	var a model.Account
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		var err error
		a, err = s.ledger.GetAccountForUpdate(ctx, tx, userID)
		return err
	})
	return a, err
}

// Deposit credits play-money funds, bounded by the faucet cap when enabled.
func (s *Service) Deposit(ctx context.Context, userID int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &trading.InvalidQuantityError{Value: amount.IntPart()}
	}
	if s.faucetOn && amount.GreaterThan(s.faucetMax) {
		return &trading.InsufficientFundsError{Required: amount, Available: s.faucetMax}
	}
	return s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		return s.ledger.Credit(ctx, tx, userID, amount, types.TxDeposit, ledger.Ref{}, "Deposit")
	})
}

// Withdraw debits available funds only; reservations stay locked.
func (s *Service) Withdraw(ctx context.Context, userID int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &trading.InvalidQuantityError{Value: amount.IntPart()}
	}
	return s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		return s.ledger.Charge(ctx, tx, userID, amount, types.TxWithdrawal, ledger.Ref{}, "Withdrawal")
	})
}

// RewardEvent credits a promotional reward, the hook the engagement flows use.
func (s *Service) RewardEvent(ctx context.Context, userID int64, amount decimal.Decimal, desc string) error {
	if !amount.IsPositive() {
		return &trading.InvalidQuantityError{Value: amount.IntPart()}
	}
	return s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		return s.ledger.Credit(ctx, tx, userID, amount, types.TxEventReward, ledger.Ref{}, desc)
	})
}

func (s *Service) ListTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	var out []model.Transaction
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = s.ledger.ListTransactions(ctx, tx, userID, limit)
		return err
	})
	return out, err
}
