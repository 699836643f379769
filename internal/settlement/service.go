// Package settlement resolves markets and handles complete-set operations:
// direct mint/redeem, the queued mint_set/redeem_set requests, and market
// halt/cancel. Everything is a single serializable transaction; partial
// progress is impossible.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predmarket/internal/db"
	"predmarket/internal/ledger"
	"predmarket/internal/matching"
	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

var oneDollar = decimal.NewFromInt(1)

// completeSetBasis is the cost basis, in cents, assigned to each leg of a minted
// complete set and the price redemptions realize P&L against.
var completeSetBasis = decimal.NewFromInt(50)

// Store adds the settlement-specific queries on top of the matching store.
type Store interface {
	matching.Store
	SetMarketStatus(ctx context.Context, tx pgx.Tx, marketID int64, status types.MarketStatus) error
	ListOpenOrders(ctx context.Context, tx pgx.Tx, marketID int64) ([]model.Order, error)
	ListHeldPositions(ctx context.Context, tx pgx.Tx, marketID int64) ([]model.Position, error)
	ClearPosition(ctx context.Context, tx pgx.Tx, positionID int64) error
	ClaimOpenOrderIDs(ctx context.Context, tx pgx.Tx, marketID int64, orderTypes []types.OrderType, limit int) ([]int64, error)
}

// Ledger is the slice of the ledger the settlement paths use.
type Ledger interface {
	matching.Ledger
	RecordZero(ctx context.Context, tx pgx.Tx, userID int64, txType types.TransactionType, ref ledger.Ref, desc string) error
}

type Service struct {
	db     db.DB
	store  Store
	ledger Ledger
	log    *zap.Logger
	now    func() time.Time
}

func NewService(database db.DB, store Store, ledgerSvc Ledger, log *zap.Logger) *Service {
	return &Service{
		db:     database,
		store:  store,
		ledger: ledgerSvc,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

type SettleStats struct {
	MarketID        int64           `json:"market_id"`
	WinningOutcome  types.Outcome   `json:"winning_outcome"`
	Winners         int             `json:"winners"`
	TotalPayout     decimal.Decimal `json:"total_payout"`
	OrdersCancelled int             `json:"orders_cancelled"`
}

// SettleMarket resolves a market: cancels every resting order (returning the
// reservations), pays each winning share one dollar, records zero-amount loss
// entries for losing holdings, zeroes positions and marks the market settled.
// The sum of winner credits equals the collateral locked by outstanding pairs;
// the house neither gains nor loses principal.
func (s *Service) SettleMarket(ctx context.Context, marketID int64, outcome types.Outcome) (SettleStats, error) {
	stats := SettleStats{MarketID: marketID, WinningOutcome: outcome, TotalPayout: decimal.Zero}
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		stats = SettleStats{MarketID: marketID, WinningOutcome: outcome, TotalPayout: decimal.Zero}
		market, _, err := s.store.GetMarketForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if market.Status != types.MarketStatusActive && market.Status != types.MarketStatusHalted {
			return &trading.MarketNotSettleableError{MarketID: market.ID, Status: market.Status}
		}

		cancelled, err := s.cancelRestingOrders(ctx, tx, market)
		if err != nil {
			return err
		}
		stats.OrdersCancelled = cancelled

		positions, err := s.store.ListHeldPositions(ctx, tx, marketID)
		if err != nil {
			return err
		}
		for _, p := range positions {
			winQty, loseQty := p.YesQuantity, p.NoQuantity
			if outcome == types.OutcomeNo {
				winQty, loseQty = p.NoQuantity, p.YesQuantity
			}
			if winQty > 0 {
				payout := decimal.NewFromInt(winQty)
				if err := s.ledger.Credit(ctx, tx, p.UserID, payout, types.TxSettlementWin,
					ledger.MarketRef(marketID),
					fmt.Sprintf("Settlement: %d winning contracts @ $1.00", winQty)); err != nil {
					return err
				}
				stats.Winners++
				stats.TotalPayout = stats.TotalPayout.Add(payout)
			}
			if loseQty > 0 {
				if err := s.ledger.RecordZero(ctx, tx, p.UserID, types.TxSettlementLoss,
					ledger.MarketRef(marketID),
					fmt.Sprintf("Settlement: %d losing contracts expired worthless", loseQty)); err != nil {
					return err
				}
			}
			if err := s.store.ClearPosition(ctx, tx, p.ID); err != nil {
				return err
			}
		}

		status := types.MarketStatusSettledYes
		if outcome == types.OutcomeNo {
			status = types.MarketStatusSettledNo
		}
		return s.store.SetMarketStatus(ctx, tx, marketID, status)
	})
	if err != nil {
		return SettleStats{}, err
	}
	s.log.Info("market settled",
		zap.Int64("market_id", marketID),
		zap.String("outcome", string(outcome)),
		zap.Int("winners", stats.Winners),
		zap.String("total_payout", stats.TotalPayout.StringFixed(2)))
	return stats, nil
}

// HaltMarket pauses trading without touching the book.
func (s *Service) HaltMarket(ctx context.Context, marketID int64) error {
	return s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		market, _, err := s.store.GetMarketForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if market.Status != types.MarketStatusActive {
			return &trading.MarketNotSettleableError{MarketID: market.ID, Status: market.Status}
		}
		return s.store.SetMarketStatus(ctx, tx, marketID, types.MarketStatusHalted)
	})
}

// CancelMarket voids a market: every resting order is cancelled with its
// reservation returned and the market is closed to further trading. Positions
// are left in place for an operator-driven resolution path.
func (s *Service) CancelMarket(ctx context.Context, marketID int64) (int, error) {
	var cancelled int
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		market, _, err := s.store.GetMarketForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if market.Status != types.MarketStatusActive && market.Status != types.MarketStatusHalted {
			return &trading.MarketNotSettleableError{MarketID: market.ID, Status: market.Status}
		}
		cancelled, err = s.cancelRestingOrders(ctx, tx, market)
		if err != nil {
			return err
		}
		return s.store.SetMarketStatus(ctx, tx, marketID, types.MarketStatusCancelled)
	})
	return cancelled, err
}

// cancelRestingOrders releases every open order's remaining reservation and
// marks it cancelled. Shared by settle and cancel.
func (s *Service) cancelRestingOrders(ctx context.Context, tx pgx.Tx, market model.Market) (int, error) {
	orders, err := s.store.ListOpenOrders(ctx, tx, market.ID)
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		remaining := o.Remaining()
		switch {
		case o.OrderType == types.OrderTypeMintSet:
			refund := oneDollar.Mul(decimal.NewFromInt(remaining))
			if err := s.ledger.ReleaseFunds(ctx, tx, o.UserID, refund, ledger.OrderRef(o.ID),
				"Released funds from mint request on market close"); err != nil {
				return 0, err
			}
		case o.OrderType == types.OrderTypeRedeemSet:
			if err := s.ledger.ReleaseShares(ctx, tx, o.UserID, market.ID, types.ContractYes, remaining); err != nil {
				return 0, err
			}
			if err := s.ledger.ReleaseShares(ctx, tx, o.UserID, market.ID, types.ContractNo, remaining); err != nil {
				return 0, err
			}
		case o.Side == types.OrderSideBuy:
			refund := o.Price.Mul(decimal.NewFromInt(remaining))
			if err := s.ledger.ReleaseFunds(ctx, tx, o.UserID, refund, ledger.OrderRef(o.ID),
				"Released funds from order cancelled on market close"); err != nil {
				return 0, err
			}
		default:
			if err := s.ledger.ReleaseShares(ctx, tx, o.UserID, market.ID, o.ContractType, remaining); err != nil {
				return 0, err
			}
		}
		if err := s.store.SaveOrderStatus(ctx, tx, o.ID, types.OrderStatusCancelled); err != nil {
			return 0, err
		}
	}
	return len(orders), nil
}

type CompleteSetStats struct {
	MarketID int64           `json:"market_id"`
	Quantity int64           `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
}

// MintCompleteSet charges qty x $1 of collateral plus the fee and credits qty
// YES and qty NO at a 50c basis each.
func (s *Service) MintCompleteSet(ctx context.Context, marketID, userID, qty int64) (CompleteSetStats, error) {
	var stats CompleteSetStats
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		market, event, err := s.store.GetMarketForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if !market.IsTradingActive(event, s.now()) {
			return &trading.MarketNotActiveError{MarketID: market.ID, Status: market.Status}
		}
		if qty < 1 {
			return &trading.InvalidQuantityError{Value: qty}
		}
		cost := oneDollar.Mul(decimal.NewFromInt(qty))
		fee := cost.Mul(matching.FeePercentage).Round(2)
		if err := s.ledger.Charge(ctx, tx, userID, cost, types.TxMint, ledger.MarketRef(marketID),
			fmt.Sprintf("Minted %d complete sets", qty)); err != nil {
			return err
		}
		if err := s.ledger.Charge(ctx, tx, userID, fee, types.TxFee, ledger.MarketRef(marketID),
			"Transaction fee (2%) on mint"); err != nil {
			return err
		}
		if err := s.ledger.ApplyBuyFill(ctx, tx, userID, marketID, types.ContractYes, qty, completeSetBasis); err != nil {
			return err
		}
		if err := s.ledger.ApplyBuyFill(ctx, tx, userID, marketID, types.ContractNo, qty, completeSetBasis); err != nil {
			return err
		}
		market.TotalSharesOutstanding += qty
		market.FeesCollected = market.FeesCollected.Add(fee)
		if err := s.store.SaveMarketTrade(ctx, tx, market); err != nil {
			return err
		}
		stats = CompleteSetStats{MarketID: marketID, Quantity: qty, Amount: cost.Add(fee), Fee: fee}
		return nil
	})
	return stats, err
}

// RedeemCompleteSet burns qty YES and qty NO and returns the dollar of
// collateral per pair, minus the fee. P&L realizes against the 50c basis.
func (s *Service) RedeemCompleteSet(ctx context.Context, marketID, userID, qty int64) (CompleteSetStats, error) {
	var stats CompleteSetStats
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		market, event, err := s.store.GetMarketForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if !market.IsTradingActive(event, s.now()) {
			return &trading.MarketNotActiveError{MarketID: market.ID, Status: market.Status}
		}
		if qty < 1 {
			return &trading.InvalidQuantityError{Value: qty}
		}
		pos, err := s.ledger.GetPositionForUpdate(ctx, tx, userID, marketID)
		if err != nil {
			return err
		}
		if pos.YesQuantity < qty {
			return &trading.InsufficientPositionError{Required: qty, Available: pos.YesQuantity, ContractType: types.ContractYes}
		}
		if pos.NoQuantity < qty {
			return &trading.InsufficientPositionError{Required: qty, Available: pos.NoQuantity, ContractType: types.ContractNo}
		}
		if err := s.ledger.RealizeSale(ctx, tx, userID, marketID, types.ContractYes, qty, completeSetBasis, false); err != nil {
			return err
		}
		if err := s.ledger.RealizeSale(ctx, tx, userID, marketID, types.ContractNo, qty, completeSetBasis, false); err != nil {
			return err
		}
		payout := oneDollar.Mul(decimal.NewFromInt(qty))
		fee := payout.Mul(matching.FeePercentage).Round(2)
		if err := s.ledger.Credit(ctx, tx, userID, payout, types.TxRedeem, ledger.MarketRef(marketID),
			fmt.Sprintf("Redeemed %d complete sets", qty)); err != nil {
			return err
		}
		if err := s.ledger.Charge(ctx, tx, userID, fee, types.TxFee, ledger.MarketRef(marketID),
			"Transaction fee (2%) on redeem"); err != nil {
			return err
		}
		market.TotalSharesOutstanding -= qty
		market.FeesCollected = market.FeesCollected.Add(fee)
		if err := s.store.SaveMarketTrade(ctx, tx, market); err != nil {
			return err
		}
		stats = CompleteSetStats{MarketID: marketID, Quantity: qty, Amount: payout.Sub(fee), Fee: fee}
		return nil
	})
	return stats, err
}

// EnqueueMintSet reserves the collateral and queues a mint_set order for the
// background engine to fill.
func (s *Service) EnqueueMintSet(ctx context.Context, marketID, userID, qty int64) (model.Order, error) {
	var order model.Order
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		market, event, err := s.store.GetMarketForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if !market.IsTradingActive(event, s.now()) {
			return &trading.MarketNotActiveError{MarketID: market.ID, Status: market.Status}
		}
		if qty < 1 {
			return &trading.InvalidQuantityError{Value: qty}
		}
		cost := oneDollar.Mul(decimal.NewFromInt(qty))
		if err := s.ledger.ReserveFunds(ctx, tx, userID, cost, ledger.MarketRef(marketID),
			fmt.Sprintf("Reserved for mint of %d complete sets", qty)); err != nil {
			return err
		}
		order = model.Order{
			MarketID:     marketID,
			UserID:       userID,
			Side:         types.OrderSideBuy,
			ContractType: types.ContractYes,
			OrderType:    types.OrderTypeMintSet,
			Price:        oneDollar,
			Quantity:     qty,
			Status:       types.OrderStatusOpen,
		}
		return s.store.InsertOrder(ctx, tx, &order)
	})
	return order, err
}

// EnqueueRedeemSet reserves both share sides and queues a redeem_set order.
func (s *Service) EnqueueRedeemSet(ctx context.Context, marketID, userID, qty int64) (model.Order, error) {
	var order model.Order
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		market, event, err := s.store.GetMarketForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if !market.IsTradingActive(event, s.now()) {
			return &trading.MarketNotActiveError{MarketID: market.ID, Status: market.Status}
		}
		if qty < 1 {
			return &trading.InvalidQuantityError{Value: qty}
		}
		if err := s.ledger.ReserveShares(ctx, tx, userID, marketID, types.ContractYes, qty); err != nil {
			return err
		}
		if err := s.ledger.ReserveShares(ctx, tx, userID, marketID, types.ContractNo, qty); err != nil {
			return err
		}
		order = model.Order{
			MarketID:     marketID,
			UserID:       userID,
			Side:         types.OrderSideSell,
			ContractType: types.ContractYes,
			OrderType:    types.OrderTypeRedeemSet,
			Price:        oneDollar,
			Quantity:     qty,
			Status:       types.OrderStatusOpen,
		}
		return s.store.InsertOrder(ctx, tx, &order)
	})
	return order, err
}

// ProcessSetOrder drains one queued mint_set or redeem_set order: the
// reservation is consumed, the position and shares-outstanding counters move,
// and the order fills in full.
func (s *Service) ProcessSetOrder(ctx context.Context, orderID int64) error {
	return s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		peek, err := s.store.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		market, _, err := s.store.GetMarketForUpdate(ctx, tx, peek.MarketID)
		if err != nil {
			return err
		}
		order, err := s.store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !order.IsActive() {
			return nil
		}
		qty := order.Remaining()
		amount := oneDollar.Mul(decimal.NewFromInt(qty))

		switch order.OrderType {
		case types.OrderTypeMintSet:
			if err := s.ledger.ReleaseFunds(ctx, tx, order.UserID, amount, ledger.OrderRef(order.ID),
				"Released mint reservation"); err != nil {
				return err
			}
			if err := s.ledger.Charge(ctx, tx, order.UserID, amount, types.TxMint, ledger.OrderRef(order.ID),
				fmt.Sprintf("Minted %d complete sets", qty)); err != nil {
				return err
			}
			if err := s.ledger.ApplyBuyFill(ctx, tx, order.UserID, market.ID, types.ContractYes, qty, completeSetBasis); err != nil {
				return err
			}
			if err := s.ledger.ApplyBuyFill(ctx, tx, order.UserID, market.ID, types.ContractNo, qty, completeSetBasis); err != nil {
				return err
			}
			market.TotalSharesOutstanding += qty
		case types.OrderTypeRedeemSet:
			for _, ct := range []types.ContractType{types.ContractYes, types.ContractNo} {
				if err := s.ledger.RealizeSale(ctx, tx, order.UserID, market.ID, ct, qty, completeSetBasis, true); err != nil {
					return err
				}
				if err := s.ledger.BurnReservedShares(ctx, tx, order.UserID, market.ID, ct, qty); err != nil {
					return err
				}
			}
			if err := s.ledger.Credit(ctx, tx, order.UserID, amount, types.TxRedeem, ledger.OrderRef(order.ID),
				fmt.Sprintf("Redeemed %d complete sets", qty)); err != nil {
				return err
			}
			market.TotalSharesOutstanding -= qty
		default:
			return nil
		}

		if err := s.store.SaveOrderFill(ctx, tx, order.ID, order.Quantity, types.OrderStatusFilled); err != nil {
			return err
		}
		return s.store.SaveMarketTrade(ctx, tx, market)
	})
}

// ClaimSetOrderIDs lists queued complete-set orders ready to drain.
func (s *Service) ClaimSetOrderIDs(ctx context.Context, marketID int64, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		var err error
		ids, err = s.store.ClaimOpenOrderIDs(ctx, tx, marketID,
			[]types.OrderType{types.OrderTypeMintSet, types.OrderTypeRedeemSet}, limit)
		return err
	})
	return ids, err
}
