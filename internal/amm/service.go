// Package amm provides the two alternative pricing engines that share the
// account/position substrate with the order book: the LMSR scoring-rule pool
// and the capped-exposure bookmaker. The engines share an interface shape but
// no code; the pool row records which one prices a market.
package amm

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
	"predmarket/internal/matching"
	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

// Quote is a priced (not yet executed) trade: what it costs or pays, the fee,
// the price impact, and the pool/market deltas executing it would apply.
type Quote struct {
	Side          types.OrderSide    `json:"side"`
	ContractType  types.ContractType `json:"contract_type"`
	Quantity      int64              `json:"quantity"`
	PriceBefore   int                `json:"price_before"`
	PriceAfter    int                `json:"price_after"`
	AvgPriceCents decimal.Decimal    `json:"avg_price"`
	Subtotal      decimal.Decimal    `json:"subtotal"`
	Fee           decimal.Decimal    `json:"fee"`
	Total         decimal.Decimal    `json:"total"`
	CanAccept     bool               `json:"can_accept"`
	RejectReason  string             `json:"reject_reason,omitempty"`

	// Deltas applied on execution.
	YesSharesDelta   decimal.Decimal `json:"-"`
	NoSharesDelta    decimal.Decimal `json:"-"`
	PoolBalanceDelta decimal.Decimal `json:"-"`

	// Market last-price cache after the trade (pair sums to 100).
	MarketYes int `json:"-"`
	MarketNo  int `json:"-"`
}

func (q Quote) PriceImpact() int { return q.PriceAfter - q.PriceBefore }

// PricingEngine is the capability both engines expose. Quote never mutates.
type PricingEngine interface {
	Kind() types.AMMEngineKind
	Quote(pool model.AMMPool, side types.OrderSide, ct types.ContractType, qty int64) (Quote, error)
}

// Store is the pool/trade persistence behind the service.
type Store interface {
	GetOrCreatePoolForUpdate(ctx context.Context, tx pgx.Tx, marketID int64) (model.AMMPool, error)
	SavePool(ctx context.Context, tx pgx.Tx, p model.AMMPool) error
	InsertAMMTrade(ctx context.Context, tx pgx.Tx, t *model.AMMTrade) error
}

// Ledger is the slice of the account substrate the AMM needs.
type Ledger interface {
	Charge(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, txType types.TransactionType, ref ledger.Ref, desc string) error
	Credit(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, txType types.TransactionType, ref ledger.Ref, desc string) error
	GetPositionForUpdate(ctx context.Context, tx pgx.Tx, userID, marketID int64) (model.Position, error)
	ApplyBuyFill(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64, priceCents decimal.Decimal) error
	RealizeSale(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64, priceCents decimal.Decimal, fromReserved bool) error
}

type Service struct {
	db        db.DB
	store     Store
	markets   matching.Store
	ledger    Ledger
	lmsr      LMSR
	bookmaker Bookmaker
	log       *zap.Logger
	now       func() time.Time
}

func NewService(database db.DB, store Store, markets matching.Store, ledgerSvc Ledger, log *zap.Logger) *Service {
	return &Service{
		db:        database,
		store:     store,
		markets:   markets,
		ledger:    ledgerSvc,
		lmsr:      LMSR{},
		bookmaker: NewBookmaker(),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) engineFor(pool model.AMMPool) PricingEngine {
	if pool.Engine == types.AMMEngineBookmaker {
		return s.bookmaker
	}
	return s.lmsr
}

// GetQuote prices a trade without executing it.
func (s *Service) GetQuote(ctx context.Context, marketID int64, side types.OrderSide, ct types.ContractType, qty int64) (Quote, error) {
	var quote Quote
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		pool, err := s.store.GetOrCreatePoolForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		quote, err = s.engineFor(pool).Quote(pool, side, ct, qty)
		return err
	})
	return quote, err
}

// Execute prices and settles a trade against the market's pool in one
// serializable transaction: balance moves, pool state, position basis/P&L,
// market last-price cache, AMMTrade and Transaction records.
func (s *Service) Execute(ctx context.Context, userID, marketID int64, side types.OrderSide, ct types.ContractType, qty int64) (model.AMMTrade, error) {
	var ammTrade model.AMMTrade
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		market, event, err := s.markets.GetMarketForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if !market.IsTradingActive(event, s.now()) {
			return &trading.MarketNotActiveError{MarketID: market.ID, Status: market.Status}
		}
		if !market.AMMEnabled {
			return &trading.TradeRejectedError{Reason: "amm is not enabled for this market"}
		}
		pool, err := s.store.GetOrCreatePoolForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		quote, err := s.engineFor(pool).Quote(pool, side, ct, qty)
		if err != nil {
			return err
		}
		if !quote.CanAccept {
			return &trading.TradeRejectedError{Reason: quote.RejectReason}
		}

		ref := ledger.MarketRef(marketID)
		if side == types.OrderSideBuy {
			if err := s.ledger.Charge(ctx, tx, userID, quote.Total, types.TxTradeBuy, ref,
				fmt.Sprintf("AMM buy %d %s @ %sc", qty, strings.ToUpper(string(ct)), quote.AvgPriceCents.StringFixed(1))); err != nil {
				return err
			}
			if err := s.ledger.ApplyBuyFill(ctx, tx, userID, marketID, ct, qty, quote.AvgPriceCents); err != nil {
				return err
			}
		} else {
			pos, err := s.ledger.GetPositionForUpdate(ctx, tx, userID, marketID)
			if err != nil {
				return err
			}
			if pos.Quantity(ct) < qty {
				return &trading.InsufficientPositionError{Required: qty, Available: pos.Quantity(ct), ContractType: ct}
			}
			if err := s.ledger.RealizeSale(ctx, tx, userID, marketID, ct, qty, quote.AvgPriceCents, false); err != nil {
				return err
			}
			if err := s.ledger.Credit(ctx, tx, userID, quote.Total, types.TxTradeSell, ref,
				fmt.Sprintf("AMM sell %d %s @ %sc", qty, strings.ToUpper(string(ct)), quote.AvgPriceCents.StringFixed(1))); err != nil {
				return err
			}
		}

		pool.YesShares = pool.YesShares.Add(quote.YesSharesDelta)
		pool.NoShares = pool.NoShares.Add(quote.NoSharesDelta)
		pool.PoolBalance = pool.PoolBalance.Add(quote.PoolBalanceDelta)
		pool.TotalFeesCollected = pool.TotalFeesCollected.Add(quote.Fee)
		if err := s.store.SavePool(ctx, tx, pool); err != nil {
			return err
		}

		market.LastYesPrice = quote.MarketYes
		market.LastNoPrice = quote.MarketNo
		market.TotalVolume += qty
		if err := s.markets.SaveMarketTrade(ctx, tx, market); err != nil {
			return err
		}

		ammTrade = model.AMMTrade{
			PoolID:       pool.ID,
			UserID:       userID,
			Side:         side,
			ContractType: ct,
			Quantity:     qty,
			PriceBefore:  quote.PriceBefore,
			PriceAfter:   quote.PriceAfter,
			AvgPrice:     quote.AvgPriceCents,
			TotalCost:    quote.Total,
			FeeAmount:    quote.Fee,
		}
		return s.store.InsertAMMTrade(ctx, tx, &ammTrade)
	})
	if err != nil {
		return model.AMMTrade{}, err
	}
	s.log.Info("amm trade executed",
		zap.Int64("market_id", marketID),
		zap.Int64("user_id", userID),
		zap.String("side", string(side)),
		zap.String("contract", string(ct)),
		zap.Int64("quantity", qty),
		zap.String("total", ammTrade.TotalCost.StringFixed(2)))
	return ammTrade, nil
}

// MaxFillableQuantity reports how much of a buy the market's pool can absorb.
// Unlimited (bounded only by funds) for LMSR pools.
func (s *Service) MaxFillableQuantity(ctx context.Context, marketID int64, ct types.ContractType) (int64, bool, error) {
	var (
		qty    int64
		capped bool
	)
	err := s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		pool, err := s.store.GetOrCreatePoolForUpdate(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if pool.Engine == types.AMMEngineBookmaker {
			qty = s.bookmaker.MaxFillableQuantity(pool, ct)
			capped = true
		}
		return nil
	})
	return qty, capped, err
}
