package matching

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predmarket/internal/db"
	"predmarket/internal/ledger"
	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

// Service is the transactional entry point the API adapter and the background
// worker call. It owns validation, fund/share reservation and the quote-cache
// refresh; the Engine does the fills.
type Service struct {
	db     db.DB
	store  Store
	ledger Ledger
	engine *Engine
	log    *zap.Logger
	now    func() time.Time
}

func NewService(database db.DB, store Store, ledgerSvc Ledger, log *zap.Logger) *Service {
	return &Service{
		db:     database,
		store:  store,
		ledger: ledgerSvc,
		engine: NewEngine(store, ledgerSvc),
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock. Used by tests that pin the trading
// window.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

type PlaceOrderInput struct {
	UserID       int64
	MarketID     int64
	Side         types.OrderSide
	ContractType types.ContractType
	OrderType    types.OrderType
	PriceCents   int
	Quantity     int64
}

// PlaceOrder validates, reserves, inserts the order and matches it, all in one
// serializable transaction. Either the order plus its trades commit together
// or nothing is observable.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (model.Order, []model.Trade, error) {
	var (
		order  model.Order
		trades []model.Trade
	)
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		market, event, err := s.store.GetMarketForUpdate(ctx, tx, in.MarketID)
		if err != nil {
			return err
		}
		if !market.IsTradingActive(event, s.now()) {
			return &trading.MarketNotActiveError{MarketID: market.ID, Status: market.Status}
		}
		if in.Quantity < 1 {
			return &trading.InvalidQuantityError{Value: in.Quantity}
		}
		if in.Side != types.OrderSideBuy && in.Side != types.OrderSideSell {
			return fmt.Errorf("invalid side %q", in.Side)
		}
		if in.ContractType != types.ContractYes && in.ContractType != types.ContractNo {
			return fmt.Errorf("invalid contract type %q", in.ContractType)
		}

		priceCents := in.PriceCents
		if in.OrderType == types.OrderTypeMarket {
			priceCents = marketOrderPrice(market, in.Side, in.ContractType)
		}
		if priceCents < 1 || priceCents > 99 {
			return &trading.InvalidPriceError{Value: priceCents}
		}
		price := centsToPrice(priceCents)

		if in.Side == types.OrderSideBuy {
			required := price.Mul(decimal.NewFromInt(in.Quantity))
			if err := s.ledger.ReserveFunds(ctx, tx, in.UserID, required, ledger.MarketRef(market.ID),
				describeFill("Reserved for BUY", in.Quantity, in.ContractType, priceCents)); err != nil {
				return err
			}
		} else {
			if err := s.ledger.ReserveShares(ctx, tx, in.UserID, market.ID, in.ContractType, in.Quantity); err != nil {
				return err
			}
		}

		order = model.Order{
			MarketID:     market.ID,
			UserID:       in.UserID,
			Side:         in.Side,
			ContractType: in.ContractType,
			OrderType:    in.OrderType,
			Price:        price,
			Quantity:     in.Quantity,
			Status:       types.OrderStatusOpen,
		}
		if err := s.store.InsertOrder(ctx, tx, &order); err != nil {
			return err
		}

		trades, err = s.engine.MatchOrder(ctx, tx, &market, &order)
		if err != nil {
			return err
		}

		quotes, err := s.store.ComputeQuotes(ctx, tx, market.ID)
		if err != nil {
			return err
		}
		return s.store.SaveMarketQuotes(ctx, tx, market.ID, quotes)
	})
	if err != nil {
		return model.Order{}, nil, err
	}
	s.log.Info("order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("market_id", order.MarketID),
		zap.String("side", string(order.Side)),
		zap.String("contract", string(order.ContractType)),
		zap.Int64("filled", order.FilledQuantity),
		zap.Int("trades", len(trades)))
	return order, trades, nil
}

// CancelOrder releases the exact remaining reservation and transitions the
// order to Cancelled. Filled portions are never undone.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID int64) (model.Order, error) {
	var order model.Order
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		peek, err := s.store.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		market, _, err := s.store.GetMarketForUpdate(ctx, tx, peek.MarketID)
		if err != nil {
			return err
		}
		order, err = s.store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return &trading.OrderCancellationError{ID: order.ID, Reason: "order belongs to another user"}
		}
		if !order.IsActive() {
			return &trading.OrderCancellationError{ID: order.ID, Reason: "order status is " + string(order.Status)}
		}

		remaining := order.Remaining()
		switch {
		case order.OrderType == types.OrderTypeMintSet:
			refund := oneDollar.Mul(decimal.NewFromInt(remaining))
			if err := s.ledger.ReleaseFunds(ctx, tx, order.UserID, refund, ledger.OrderRef(order.ID),
				"Released funds from cancelled mint request"); err != nil {
				return err
			}
		case order.OrderType == types.OrderTypeRedeemSet:
			if err := s.ledger.ReleaseShares(ctx, tx, order.UserID, market.ID, types.ContractYes, remaining); err != nil {
				return err
			}
			if err := s.ledger.ReleaseShares(ctx, tx, order.UserID, market.ID, types.ContractNo, remaining); err != nil {
				return err
			}
		case order.Side == types.OrderSideBuy:
			refund := order.Price.Mul(decimal.NewFromInt(remaining))
			if err := s.ledger.ReleaseFunds(ctx, tx, order.UserID, refund, ledger.OrderRef(order.ID),
				"Released funds from cancelled order"); err != nil {
				return err
			}
		default:
			if err := s.ledger.ReleaseShares(ctx, tx, order.UserID, market.ID, order.ContractType, remaining); err != nil {
				return err
			}
		}

		order.Status = types.OrderStatusCancelled
		if err := s.store.SaveOrderStatus(ctx, tx, order.ID, order.Status); err != nil {
			return err
		}

		quotes, err := s.store.ComputeQuotes(ctx, tx, market.ID)
		if err != nil {
			return err
		}
		return s.store.SaveMarketQuotes(ctx, tx, market.ID, quotes)
	})
	if err != nil {
		return model.Order{}, err
	}
	s.log.Info("order cancelled", zap.Int64("order_id", order.ID), zap.Int64("user_id", userID))
	return order, nil
}

// RematchOrder re-enters the matching loop with an already-resting order as
// the incoming side. The background worker uses it to clear crosses that
// appeared after placement.
func (s *Service) RematchOrder(ctx context.Context, orderID int64) (int, error) {
	var executed int
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		executed = 0
		peek, err := s.store.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if peek.OrderType != types.OrderTypeLimit && peek.OrderType != types.OrderTypeMarket {
			return nil
		}
		market, _, err := s.store.GetMarketForUpdate(ctx, tx, peek.MarketID)
		if err != nil {
			return err
		}
		order, err := s.store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !order.IsActive() || order.Remaining() == 0 {
			return nil
		}
		trades, err := s.engine.MatchOrder(ctx, tx, &market, &order)
		if err != nil {
			return err
		}
		executed = len(trades)
		if executed == 0 {
			return nil
		}
		quotes, err := s.store.ComputeQuotes(ctx, tx, market.ID)
		if err != nil {
			return err
		}
		return s.store.SaveMarketQuotes(ctx, tx, market.ID, quotes)
	})
	return executed, err
}

// marketOrderPrice derives the execution price for a market order from the
// best opposite quote, falling back to the last traded price.
func marketOrderPrice(m model.Market, side types.OrderSide, ct types.ContractType) int {
	if ct == types.ContractYes {
		if side == types.OrderSideBuy {
			return quoteOr(m.BestYesAsk, m.LastYesPrice)
		}
		return quoteOr(m.BestYesBid, m.LastYesPrice)
	}
	if side == types.OrderSideBuy {
		return quoteOr(m.BestNoAsk, m.LastNoPrice)
	}
	return quoteOr(m.BestNoBid, m.LastNoPrice)
}

func quoteOr(quote *int, fallback int) int {
	if quote != nil {
		return *quote
	}
	return fallback
}

func centsToPrice(cents int) decimal.Decimal {
	return decimal.NewFromInt(int64(cents)).Div(decimal.NewFromInt(100))
}

func describeFill(verb string, qty int64, ct types.ContractType, priceCents int) string {
	return fmt.Sprintf("%s %d %s @ %dc", verb, qty, strings.ToUpper(string(ct)), priceCents)
}
