package model

import (
	"time"

	"github.com/shopspring/decimal"
	"predmarket/internal/types"
)

// Account holds a user's cash. Balance includes reserved funds; the amount
// spendable on new orders is Balance - Reserved.
type Account struct {
	ID        int64           `json:"id"`
	Username  string          `json:"username"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

type Category struct {
	ID           int64
	Name         string
	Slug         string
	Description  string
	DisplayOrder int
}

type Event struct {
	ID            int64
	CategoryID    *int64
	Title         string
	Slug          string
	Status        types.EventStatus
	TradingStarts time.Time
	TradingEnds   time.Time
	CreatedAt     time.Time
}

func (e Event) IsTradingActive(now time.Time) bool {
	return e.Status == types.EventStatusActive &&
		!now.Before(e.TradingStarts) && !now.After(e.TradingEnds)
}

type Market struct {
	ID      int64              `json:"id"`
	EventID int64              `json:"event_id"`
	Title   string             `json:"title"`
	Slug    string             `json:"slug"`
	Status  types.MarketStatus `json:"status"`

	// Price cache in cents (1-99); the pair always sums to 100.
	LastYesPrice int `json:"last_yes_price"`
	LastNoPrice  int `json:"last_no_price"`

	BestYesBid *int `json:"best_yes_bid"`
	BestYesAsk *int `json:"best_yes_ask"`
	BestNoBid  *int `json:"best_no_bid"`
	BestNoAsk  *int `json:"best_no_ask"`

	TotalVolume int64 `json:"total_volume"`
	Volume24h   int64 `json:"volume_24h"`

	// YES/NO pairs in existence; equals collateral locked in dollars.
	TotalSharesOutstanding int64           `json:"total_shares_outstanding"`
	FeesCollected          decimal.Decimal `json:"fees_collected"`

	AMMEnabled bool      `json:"amm_enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

func (m Market) IsTradingActive(e Event, now time.Time) bool {
	return m.Status == types.MarketStatusActive && e.IsTradingActive(now)
}

// Order price is stored in dollars (0.01-0.99 for limit/market, 1.00 for the
// queued complete-set order types).
type Order struct {
	ID             int64              `json:"id"`
	MarketID       int64              `json:"market_id"`
	UserID         int64              `json:"user_id"`
	Side           types.OrderSide    `json:"side"`
	ContractType   types.ContractType `json:"contract_type"`
	OrderType      types.OrderType    `json:"order_type"`
	Price          decimal.Decimal    `json:"price"`
	Quantity       int64              `json:"quantity"`
	FilledQuantity int64              `json:"filled_quantity"`
	Status         types.OrderStatus  `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (o Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

func (o Order) PriceCents() int {
	return int(o.Price.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

func (o Order) IsActive() bool {
	return o.Status == types.OrderStatusOpen || o.Status == types.OrderStatusPartiallyFilled
}

// Trade is immutable. For mint and merge trades the buy/sell order fields hold
// the two complementary orders (YES leg first) and buyer/seller the two
// participants.
type Trade struct {
	ID           int64              `json:"id"`
	MarketID     int64              `json:"market_id"`
	BuyOrderID   int64              `json:"buy_order_id"`
	SellOrderID  int64              `json:"sell_order_id"`
	BuyerID      int64              `json:"buyer_id"`
	SellerID     int64              `json:"seller_id"`
	ContractType types.ContractType `json:"contract_type"`
	PriceCents   int                `json:"price_cents"`
	Quantity     int64              `json:"quantity"`
	TradeType    types.TradeType    `json:"trade_type"`
	ExecutedAt   time.Time          `json:"executed_at"`
}

// Position tracks a user's holdings per market. The *_quantity columns count
// shares available to sell; reserved_* count shares locked under open sell or
// redeem orders. Avg costs are cents; realized P&L is dollars.
type Position struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	MarketID    int64           `json:"market_id"`
	YesQuantity int64           `json:"yes_quantity"`
	NoQuantity  int64           `json:"no_quantity"`
	ReservedYes int64           `json:"reserved_yes_quantity"`
	ReservedNo  int64           `json:"reserved_no_quantity"`
	YesAvgCost  decimal.Decimal `json:"yes_avg_cost"`
	NoAvgCost   decimal.Decimal `json:"no_avg_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (p Position) Quantity(ct types.ContractType) int64 {
	if ct == types.ContractYes {
		return p.YesQuantity
	}
	return p.NoQuantity
}

func (p Position) AvgCost(ct types.ContractType) decimal.Decimal {
	if ct == types.ContractYes {
		return p.YesAvgCost
	}
	return p.NoAvgCost
}

// Transaction is the append-only audit record for every balance change. The
// before/after pair brackets the available-balance delta, so over any window
// the signed amounts sum to the change in available balance.
type Transaction struct {
	ID            int64                 `json:"id"`
	UserID        int64                 `json:"user_id"`
	Type          types.TransactionType `json:"type"`
	Amount        decimal.Decimal       `json:"amount"`
	BalanceBefore decimal.Decimal       `json:"balance_before"`
	BalanceAfter  decimal.Decimal       `json:"balance_after"`
	OrderID       *int64                `json:"order_id,omitempty"`
	TradeID       *int64                `json:"trade_id,omitempty"`
	MarketID      *int64                `json:"market_id,omitempty"`
	Description   string                `json:"description"`
	CreatedAt     time.Time             `json:"created_at"`
}

// AMMPool is the per-market automated market maker state. At most one pool
// exists per market; Engine selects the pricing rule.
type AMMPool struct {
	ID                 int64
	MarketID           int64
	Engine             types.AMMEngineKind
	LiquidityB         decimal.Decimal
	YesShares          decimal.Decimal
	NoShares           decimal.Decimal
	PoolBalance        decimal.Decimal
	FeePercentage      decimal.Decimal
	TotalFeesCollected decimal.Decimal
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type AMMTrade struct {
	ID           int64              `json:"id"`
	PoolID       int64              `json:"pool_id"`
	UserID       int64              `json:"user_id"`
	Side         types.OrderSide    `json:"side"`
	ContractType types.ContractType `json:"contract_type"`
	Quantity     int64              `json:"quantity"`
	PriceBefore  int                `json:"price_before"`
	PriceAfter   int                `json:"price_after"`
	AvgPrice     decimal.Decimal    `json:"avg_price"`
	TotalCost    decimal.Decimal    `json:"total_cost"`
	FeeAmount    decimal.Decimal    `json:"fee_amount"`
	ExecutedAt   time.Time          `json:"executed_at"`
}

// QuoteSet is the cached best bid/ask per side recomputed from the book after
// every placement or cancellation.
type QuoteSet struct {
	BestYesBid *int
	BestYesAsk *int
	BestNoBid  *int
	BestNoAsk  *int
}

// PricePoint is one step of a market's trade-price history.
type PricePoint struct {
	Time     time.Time `json:"time"`
	YesPrice int       `json:"yes_price"`
	NoPrice  int       `json:"no_price"`
}

// BookLevel is one aggregated price level of an orderbook snapshot.
type BookLevel struct {
	PriceCents int   `json:"price_cents"`
	Quantity   int64 `json:"quantity"`
}

// OrderBook is the depth-limited snapshot served to callers.
type OrderBook struct {
	YesBids []BookLevel `json:"yes_bids"`
	YesAsks []BookLevel `json:"yes_asks"`
	NoBids  []BookLevel `json:"no_bids"`
	NoAsks  []BookLevel `json:"no_asks"`
}
