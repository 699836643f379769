// Package matching implements price-time priority matching for binary outcome
// markets. Besides direct fills it supports the two composite operations of
// outcome markets: minting (two opposing buyers jointly create a YES+NO pair
// for one unit of collateral) and merging (two opposing sellers burn a pair
// and split the collateral).
package matching

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"predmarket/internal/ledger"
	"predmarket/internal/model"
	"predmarket/internal/types"
)

// FeePercentage is the transaction fee applied to the paying/receiving side of
// every fill: the seller on direct matches, each buyer on mints, each seller
// on merges.
var FeePercentage = decimal.RequireFromString("0.02")

var oneDollar = decimal.NewFromInt(1)

// Store is the order/trade/market persistence the engine drives. The SQL
// implementation locks candidate rows FOR UPDATE; test fakes run in memory.
type Store interface {
	GetMarketForUpdate(ctx context.Context, tx pgx.Tx, marketID int64) (model.Market, model.Event, error)
	SaveMarketTrade(ctx context.Context, tx pgx.Tx, m model.Market) error
	SaveMarketQuotes(ctx context.Context, tx pgx.Tx, marketID int64, q model.QuoteSet) error
	ComputeQuotes(ctx context.Context, tx pgx.Tx, marketID int64) (model.QuoteSet, error)

	InsertOrder(ctx context.Context, tx pgx.Tx, o *model.Order) error
	// GetOrder reads without locking; used to learn the market id before the
	// market row is locked, keeping the global lock order intact.
	GetOrder(ctx context.Context, tx pgx.Tx, orderID int64) (model.Order, error)
	GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (model.Order, error)
	SaveOrderFill(ctx context.Context, tx pgx.Tx, orderID int64, filled int64, status types.OrderStatus) error
	SaveOrderStatus(ctx context.Context, tx pgx.Tx, orderID int64, status types.OrderStatus) error

	// BestDirectMatch returns the best resting opposite-side order of the same
	// contract type that crosses the incoming price, price-time priority,
	// excluding the incoming order's owner. Nil when the book has none.
	BestDirectMatch(ctx context.Context, tx pgx.Tx, incoming model.Order) (*model.Order, error)
	// BestMintMatch returns the best resting buy of the opposite contract type
	// whose price sums with the incoming buy's to at least 1.00.
	BestMintMatch(ctx context.Context, tx pgx.Tx, incoming model.Order) (*model.Order, error)
	// BestMergeMatch returns the best resting sell of the opposite contract
	// type whose price sums with the incoming sell's to at most 1.00.
	BestMergeMatch(ctx context.Context, tx pgx.Tx, incoming model.Order) (*model.Order, error)

	InsertTrade(ctx context.Context, tx pgx.Tx, t *model.Trade) error
}

// Ledger is the account/position substrate the engine settles fills against.
type Ledger interface {
	LockAccounts(ctx context.Context, tx pgx.Tx, userIDs ...int64) error
	ReserveFunds(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, ref ledger.Ref, desc string) error
	ReleaseFunds(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, ref ledger.Ref, desc string) error
	Charge(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, txType types.TransactionType, ref ledger.Ref, desc string) error
	Credit(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, txType types.TransactionType, ref ledger.Ref, desc string) error
	GetPositionForUpdate(ctx context.Context, tx pgx.Tx, userID, marketID int64) (model.Position, error)
	ReserveShares(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64) error
	ReleaseShares(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64) error
	BurnReservedShares(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64) error
	ApplyBuyFill(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64, priceCents decimal.Decimal) error
	RealizeSale(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64, priceCents decimal.Decimal, fromReserved bool) error
}

type Engine struct {
	store  Store
	ledger Ledger
}

func NewEngine(store Store, ledgerSvc Ledger) *Engine {
	return &Engine{store: store, ledger: ledgerSvc}
}

// MatchOrder repeatedly fills the incoming order's remaining quantity until no
// candidate is left. Priority per fill attempt: direct match, then mint match
// for buys, then merge match for sells. The market row is already locked by
// the caller and mutated in place; fills are flushed row by row.
func (e *Engine) MatchOrder(ctx context.Context, tx pgx.Tx, market *model.Market, incoming *model.Order) ([]model.Trade, error) {
	var trades []model.Trade
	for incoming.Remaining() > 0 {
		resting, err := e.store.BestDirectMatch(ctx, tx, *incoming)
		if err != nil {
			return trades, err
		}
		if resting != nil {
			trade, err := e.executeDirect(ctx, tx, market, incoming, resting)
			if err != nil {
				return trades, err
			}
			trades = append(trades, trade)
			continue
		}

		if incoming.Side == types.OrderSideBuy {
			comp, err := e.store.BestMintMatch(ctx, tx, *incoming)
			if err != nil {
				return trades, err
			}
			if comp == nil {
				break
			}
			trade, err := e.executeMint(ctx, tx, market, incoming, comp)
			if err != nil {
				return trades, err
			}
			trades = append(trades, trade)
			continue
		}

		comp, err := e.store.BestMergeMatch(ctx, tx, *incoming)
		if err != nil {
			return trades, err
		}
		if comp == nil {
			break
		}
		trade, err := e.executeMerge(ctx, tx, market, incoming, comp)
		if err != nil {
			return trades, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// executeDirect fills min(remaining) contracts at the maker's (resting) price.
// The buyer's reservation at their own limit price is released, the execution
// cost charged, the seller credited minus the fee.
func (e *Engine) executeDirect(ctx context.Context, tx pgx.Tx, market *model.Market, incoming, resting *model.Order) (model.Trade, error) {
	buyOrder, sellOrder := incoming, resting
	if incoming.Side == types.OrderSideSell {
		buyOrder, sellOrder = resting, incoming
	}
	qty := min64(incoming.Remaining(), resting.Remaining())
	priceCents := resting.PriceCents()
	price := resting.Price

	if err := e.ledger.LockAccounts(ctx, tx, buyOrder.UserID, sellOrder.UserID); err != nil {
		return model.Trade{}, err
	}

	trade := model.Trade{
		MarketID:     market.ID,
		BuyOrderID:   buyOrder.ID,
		SellOrderID:  sellOrder.ID,
		BuyerID:      buyOrder.UserID,
		SellerID:     sellOrder.UserID,
		ContractType: buyOrder.ContractType,
		PriceCents:   priceCents,
		Quantity:     qty,
		TradeType:    types.TradeTypeDirect,
	}
	if err := e.store.InsertTrade(ctx, tx, &trade); err != nil {
		return trade, err
	}
	ref := ledger.TradeRef(trade.ID, market.ID)

	qtyDec := decimal.NewFromInt(qty)
	value := price.Mul(qtyDec)
	fee := value.Mul(FeePercentage).Round(2)

	// Buyer: release the reservation made at the order's own price, then
	// charge the execution cost. The difference is the price improvement
	// refund.
	released := buyOrder.Price.Mul(qtyDec)
	if err := e.ledger.ReleaseFunds(ctx, tx, buyOrder.UserID, released, ledger.Ref{OrderID: &buyOrder.ID, TradeID: &trade.ID, MarketID: &market.ID},
		describeFill("Released reservation for", qty, buyOrder.ContractType, buyOrder.PriceCents())); err != nil {
		return trade, err
	}
	if err := e.ledger.Charge(ctx, tx, buyOrder.UserID, value, types.TxTradeBuy, ref,
		describeFill("Bought", qty, buyOrder.ContractType, priceCents)); err != nil {
		return trade, err
	}

	// Seller: credit the full value, then the fee as its own audit line.
	if err := e.ledger.Credit(ctx, tx, sellOrder.UserID, value, types.TxTradeSell, ref,
		describeFill("Sold", qty, sellOrder.ContractType, priceCents)); err != nil {
		return trade, err
	}
	if err := e.ledger.Charge(ctx, tx, sellOrder.UserID, fee, types.TxFee, ref,
		"Transaction fee (2%) on sale"); err != nil {
		return trade, err
	}

	// Positions: buyer gains at the execution price, seller realizes P&L
	// against their cost basis and the reserved shares are burned.
	if err := e.ledger.ApplyBuyFill(ctx, tx, buyOrder.UserID, market.ID, buyOrder.ContractType, qty, cents(priceCents)); err != nil {
		return trade, err
	}
	if err := e.ledger.RealizeSale(ctx, tx, sellOrder.UserID, market.ID, sellOrder.ContractType, qty, cents(priceCents), true); err != nil {
		return trade, err
	}
	if err := e.ledger.BurnReservedShares(ctx, tx, sellOrder.UserID, market.ID, sellOrder.ContractType, qty); err != nil {
		return trade, err
	}

	if err := e.applyFills(ctx, tx, qty, incoming, resting); err != nil {
		return trade, err
	}

	if buyOrder.ContractType == types.ContractYes {
		market.LastYesPrice = priceCents
		market.LastNoPrice = 100 - priceCents
	} else {
		market.LastNoPrice = priceCents
		market.LastYesPrice = 100 - priceCents
	}
	market.TotalVolume += qty
	market.FeesCollected = market.FeesCollected.Add(fee)
	return trade, e.store.SaveMarketTrade(ctx, tx, *market)
}

// executeMint pairs two buys of opposite contract types whose prices sum to
// at least 1.00. Each buyer pays their own limit price; any surplus over the
// dollar of collateral stays with the pool. New shares are created.
func (e *Engine) executeMint(ctx context.Context, tx pgx.Tx, market *model.Market, incoming, comp *model.Order) (model.Trade, error) {
	yesOrder, noOrder := incoming, comp
	if incoming.ContractType == types.ContractNo {
		yesOrder, noOrder = comp, incoming
	}
	qty := min64(incoming.Remaining(), comp.Remaining())
	yesCents := yesOrder.PriceCents()
	noCents := noOrder.PriceCents()

	if err := e.ledger.LockAccounts(ctx, tx, yesOrder.UserID, noOrder.UserID); err != nil {
		return model.Trade{}, err
	}

	trade := model.Trade{
		MarketID:     market.ID,
		BuyOrderID:   yesOrder.ID,
		SellOrderID:  noOrder.ID,
		BuyerID:      yesOrder.UserID,
		SellerID:     noOrder.UserID,
		ContractType: types.ContractYes,
		PriceCents:   yesCents,
		Quantity:     qty,
		TradeType:    types.TradeTypeMint,
	}
	if err := e.store.InsertTrade(ctx, tx, &trade); err != nil {
		return trade, err
	}
	ref := ledger.TradeRef(trade.ID, market.ID)

	totalFees := decimal.Zero
	for _, leg := range []struct {
		order *model.Order
		cents int
	}{{yesOrder, yesCents}, {noOrder, noCents}} {
		qtyDec := decimal.NewFromInt(qty)
		cost := leg.order.Price.Mul(qtyDec)
		fee := cost.Mul(FeePercentage).Round(2)
		if err := e.ledger.ReleaseFunds(ctx, tx, leg.order.UserID, cost,
			ledger.Ref{OrderID: &leg.order.ID, TradeID: &trade.ID, MarketID: &market.ID},
			describeFill("Released reservation for", qty, leg.order.ContractType, leg.cents)); err != nil {
			return trade, err
		}
		if err := e.ledger.Charge(ctx, tx, leg.order.UserID, cost, types.TxMintMatch, ref,
			describeFill("Minted", qty, leg.order.ContractType, leg.cents)); err != nil {
			return trade, err
		}
		if err := e.ledger.Charge(ctx, tx, leg.order.UserID, fee, types.TxFee, ref,
			"Transaction fee (2%) on mint"); err != nil {
			return trade, err
		}
		if err := e.ledger.ApplyBuyFill(ctx, tx, leg.order.UserID, market.ID, leg.order.ContractType, qty, cents(leg.cents)); err != nil {
			return trade, err
		}
		totalFees = totalFees.Add(fee)
	}

	if err := e.applyFills(ctx, tx, qty, yesOrder, noOrder); err != nil {
		return trade, err
	}

	market.TotalSharesOutstanding += qty
	market.TotalVolume += qty
	market.LastYesPrice = yesCents
	market.LastNoPrice = 100 - yesCents
	market.FeesCollected = market.FeesCollected.Add(totalFees)
	return trade, e.store.SaveMarketTrade(ctx, tx, *market)
}

// executeMerge pairs two sells of opposite contract types whose prices sum to
// at most 1.00. Each seller receives their own ask out of the released
// collateral; the shortfall under a dollar stays with the pool. Shares are
// burned.
func (e *Engine) executeMerge(ctx context.Context, tx pgx.Tx, market *model.Market, incoming, comp *model.Order) (model.Trade, error) {
	yesOrder, noOrder := incoming, comp
	if incoming.ContractType == types.ContractNo {
		yesOrder, noOrder = comp, incoming
	}
	qty := min64(incoming.Remaining(), comp.Remaining())
	yesCents := yesOrder.PriceCents()
	noCents := noOrder.PriceCents()

	if err := e.ledger.LockAccounts(ctx, tx, yesOrder.UserID, noOrder.UserID); err != nil {
		return model.Trade{}, err
	}

	trade := model.Trade{
		MarketID:     market.ID,
		BuyOrderID:   yesOrder.ID,
		SellOrderID:  noOrder.ID,
		BuyerID:      yesOrder.UserID,
		SellerID:     noOrder.UserID,
		ContractType: types.ContractYes,
		PriceCents:   yesCents,
		Quantity:     qty,
		TradeType:    types.TradeTypeMerge,
	}
	if err := e.store.InsertTrade(ctx, tx, &trade); err != nil {
		return trade, err
	}
	ref := ledger.TradeRef(trade.ID, market.ID)

	totalFees := decimal.Zero
	for _, leg := range []struct {
		order *model.Order
		cents int
	}{{yesOrder, yesCents}, {noOrder, noCents}} {
		qtyDec := decimal.NewFromInt(qty)
		payout := leg.order.Price.Mul(qtyDec)
		fee := payout.Mul(FeePercentage).Round(2)
		if err := e.ledger.RealizeSale(ctx, tx, leg.order.UserID, market.ID, leg.order.ContractType, qty, cents(leg.cents), true); err != nil {
			return trade, err
		}
		if err := e.ledger.BurnReservedShares(ctx, tx, leg.order.UserID, market.ID, leg.order.ContractType, qty); err != nil {
			return trade, err
		}
		if err := e.ledger.Credit(ctx, tx, leg.order.UserID, payout, types.TxMergeMatch, ref,
			describeFill("Merged", qty, leg.order.ContractType, leg.cents)); err != nil {
			return trade, err
		}
		if err := e.ledger.Charge(ctx, tx, leg.order.UserID, fee, types.TxFee, ref,
			"Transaction fee (2%) on merge"); err != nil {
			return trade, err
		}
		totalFees = totalFees.Add(fee)
	}

	if err := e.applyFills(ctx, tx, qty, yesOrder, noOrder); err != nil {
		return trade, err
	}

	market.TotalSharesOutstanding -= qty
	market.TotalVolume += qty
	market.LastYesPrice = yesCents
	market.LastNoPrice = 100 - yesCents
	market.FeesCollected = market.FeesCollected.Add(totalFees)
	return trade, e.store.SaveMarketTrade(ctx, tx, *market)
}

func (e *Engine) applyFills(ctx context.Context, tx pgx.Tx, qty int64, orders ...*model.Order) error {
	for _, o := range orders {
		o.FilledQuantity += qty
		if o.FilledQuantity >= o.Quantity {
			o.Status = types.OrderStatusFilled
		} else {
			o.Status = types.OrderStatusPartiallyFilled
		}
		if err := e.store.SaveOrderFill(ctx, tx, o.ID, o.FilledQuantity, o.Status); err != nil {
			return err
		}
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func cents(c int) decimal.Decimal {
	return decimal.NewFromInt(int64(c))
}
