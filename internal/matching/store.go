package matching

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"

	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

// SQLStore is the pgx-backed Store. Candidate orders are locked FOR UPDATE so
// concurrent placements cannot consume the same resting quantity twice.
type SQLStore struct{}

func NewStore() *SQLStore {
	return &SQLStore{}
}

const orderColumns = `id, market_id, user_id, side, contract_type, order_type, price, quantity, filled_quantity, status, created_at, updated_at`

func scanOrder(row pgx.Row) (model.Order, error) {
	var o model.Order
	var side, ct, ot, status string
	err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &side, &ct, &ot, &o.Price,
		&o.Quantity, &o.FilledQuantity, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.Side = types.OrderSide(side)
	o.ContractType = types.ContractType(ct)
	o.OrderType = types.OrderType(ot)
	o.Status = types.OrderStatus(status)
	return o, nil
}

func (s *SQLStore) GetMarketForUpdate(ctx context.Context, tx pgx.Tx, marketID int64) (model.Market, model.Event, error) {
	var m model.Market
	var status string
	err := tx.QueryRow(ctx,
		`select id, event_id, title, slug, status, last_yes_price, last_no_price,
		        best_yes_bid, best_yes_ask, best_no_bid, best_no_ask,
		        total_volume, volume_24h, total_shares_outstanding, fees_collected, amm_enabled, created_at
		 from markets where id = $1 for update`, marketID,
	).Scan(&m.ID, &m.EventID, &m.Title, &m.Slug, &status, &m.LastYesPrice, &m.LastNoPrice,
		&m.BestYesBid, &m.BestYesAsk, &m.BestNoBid, &m.BestNoAsk,
		&m.TotalVolume, &m.Volume24h, &m.TotalSharesOutstanding, &m.FeesCollected, &m.AMMEnabled, &m.CreatedAt)
	if err != nil {
		return m, model.Event{}, pkgerrors.Wrapf(err, "lock market %d", marketID)
	}
	m.Status = types.MarketStatus(status)

	var e model.Event
	var eventStatus string
	err = tx.QueryRow(ctx,
		`select id, category_id, title, slug, status, trading_starts, trading_ends, created_at
		 from events where id = $1`, m.EventID,
	).Scan(&e.ID, &e.CategoryID, &e.Title, &e.Slug, &eventStatus, &e.TradingStarts, &e.TradingEnds, &e.CreatedAt)
	if err != nil {
		return m, e, pkgerrors.Wrapf(err, "load event %d", m.EventID)
	}
	e.Status = types.EventStatus(eventStatus)
	return m, e, nil
}

func (s *SQLStore) SaveMarketTrade(ctx context.Context, tx pgx.Tx, m model.Market) error {
	_, err := tx.Exec(ctx,
		`update markets set last_yes_price = $1, last_no_price = $2, total_volume = $3,
		        total_shares_outstanding = $4, fees_collected = $5
		 where id = $6`,
		m.LastYesPrice, m.LastNoPrice, m.TotalVolume, m.TotalSharesOutstanding, m.FeesCollected, m.ID)
	return pkgerrors.Wrap(err, "save market trade state")
}

func (s *SQLStore) SaveMarketQuotes(ctx context.Context, tx pgx.Tx, marketID int64, q model.QuoteSet) error {
	_, err := tx.Exec(ctx,
		`update markets set best_yes_bid = $1, best_yes_ask = $2, best_no_bid = $3, best_no_ask = $4 where id = $5`,
		q.BestYesBid, q.BestYesAsk, q.BestNoBid, q.BestNoAsk, marketID)
	return pkgerrors.Wrap(err, "save market quotes")
}

// ComputeQuotes rebuilds the four best-quote entries from the open book.
func (s *SQLStore) ComputeQuotes(ctx context.Context, tx pgx.Tx, marketID int64) (model.QuoteSet, error) {
	var q model.QuoteSet
	for _, probe := range []struct {
		side types.OrderSide
		ct   types.ContractType
		agg  string
		dst  **int
	}{
		{types.OrderSideBuy, types.ContractYes, "max", &q.BestYesBid},
		{types.OrderSideSell, types.ContractYes, "min", &q.BestYesAsk},
		{types.OrderSideBuy, types.ContractNo, "max", &q.BestNoBid},
		{types.OrderSideSell, types.ContractNo, "min", &q.BestNoAsk},
	} {
		var cents *int
		err := tx.QueryRow(ctx,
			`select cast(round(`+probe.agg+`(price) * 100) as int) from orders
			 where market_id = $1 and side = $2 and contract_type = $3
			   and status in ('open','partially_filled') and order_type in ('limit','market')`,
			marketID, string(probe.side), string(probe.ct),
		).Scan(&cents)
		if err != nil {
			return q, pkgerrors.Wrap(err, "compute quotes")
		}
		*probe.dst = cents
	}
	return q, nil
}

func (s *SQLStore) InsertOrder(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	now := time.Now().UTC()
	err := tx.QueryRow(ctx,
		`insert into orders (market_id, user_id, side, contract_type, order_type, price, quantity, filled_quantity, status, created_at, updated_at)
		 values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) returning id, created_at`,
		o.MarketID, o.UserID, string(o.Side), string(o.ContractType), string(o.OrderType),
		o.Price, o.Quantity, o.FilledQuantity, string(o.Status), now, now,
	).Scan(&o.ID, &o.CreatedAt)
	return pkgerrors.Wrap(err, "insert order")
}

func (s *SQLStore) GetOrder(ctx context.Context, tx pgx.Tx, orderID int64) (model.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx,
		`select `+orderColumns+` from orders where id = $1`, orderID))
	if pkgerrors.Is(err, pgx.ErrNoRows) {
		return o, &trading.OrderNotFoundError{ID: orderID}
	}
	return o, pkgerrors.Wrapf(err, "get order %d", orderID)
}

func (s *SQLStore) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (model.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx,
		`select `+orderColumns+` from orders where id = $1 for update`, orderID))
	if pkgerrors.Is(err, pgx.ErrNoRows) {
		return o, &trading.OrderNotFoundError{ID: orderID}
	}
	return o, pkgerrors.Wrapf(err, "lock order %d", orderID)
}

func (s *SQLStore) SaveOrderFill(ctx context.Context, tx pgx.Tx, orderID int64, filled int64, status types.OrderStatus) error {
	_, err := tx.Exec(ctx,
		`update orders set filled_quantity = $1, status = $2, updated_at = $3 where id = $4`,
		filled, string(status), time.Now().UTC(), orderID)
	return pkgerrors.Wrap(err, "save order fill")
}

func (s *SQLStore) SaveOrderStatus(ctx context.Context, tx pgx.Tx, orderID int64, status types.OrderStatus) error {
	_, err := tx.Exec(ctx,
		`update orders set status = $1, updated_at = $2 where id = $3`,
		string(status), time.Now().UTC(), orderID)
	return pkgerrors.Wrap(err, "save order status")
}

// BestDirectMatch selects the crossing resting order with price-time priority:
// for an incoming buy the cheapest (then oldest) sell at or below the bid; for
// an incoming sell the richest (then oldest) buy at or above the ask.
func (s *SQLStore) BestDirectMatch(ctx context.Context, tx pgx.Tx, incoming model.Order) (*model.Order, error) {
	var query string
	if incoming.Side == types.OrderSideBuy {
		query = `select ` + orderColumns + ` from orders
			 where market_id = $1 and side = 'sell' and contract_type = $2
			   and status in ('open','partially_filled') and order_type in ('limit','market')
			   and price <= $3 and user_id <> $4
			 order by price asc, created_at asc, id asc limit 1 for update`
	} else {
		query = `select ` + orderColumns + ` from orders
			 where market_id = $1 and side = 'buy' and contract_type = $2
			   and status in ('open','partially_filled') and order_type in ('limit','market')
			   and price >= $3 and user_id <> $4
			 order by price desc, created_at asc, id asc limit 1 for update`
	}
	return s.selectOne(ctx, tx, query, incoming.MarketID, string(incoming.ContractType), incoming.Price, incoming.UserID)
}

// BestMintMatch finds the resting buy of the opposite contract type whose
// price tops up the incoming buy to at least one dollar of collateral.
func (s *SQLStore) BestMintMatch(ctx context.Context, tx pgx.Tx, incoming model.Order) (*model.Order, error) {
	minPrice := oneDollar.Sub(incoming.Price)
	query := `select ` + orderColumns + ` from orders
		 where market_id = $1 and side = 'buy' and contract_type = $2
		   and status in ('open','partially_filled') and order_type in ('limit','market')
		   and price >= $3 and user_id <> $4
		 order by price desc, created_at asc, id asc limit 1 for update`
	return s.selectOne(ctx, tx, query, incoming.MarketID, string(incoming.ContractType.Opposite()), minPrice, incoming.UserID)
}

// BestMergeMatch finds the resting sell of the opposite contract type whose
// price leaves the pair at or under one dollar.
func (s *SQLStore) BestMergeMatch(ctx context.Context, tx pgx.Tx, incoming model.Order) (*model.Order, error) {
	maxPrice := oneDollar.Sub(incoming.Price)
	query := `select ` + orderColumns + ` from orders
		 where market_id = $1 and side = 'sell' and contract_type = $2
		   and status in ('open','partially_filled') and order_type in ('limit','market')
		   and price <= $3 and user_id <> $4
		 order by price asc, created_at asc, id asc limit 1 for update`
	return s.selectOne(ctx, tx, query, incoming.MarketID, string(incoming.ContractType.Opposite()), maxPrice, incoming.UserID)
}

func (s *SQLStore) selectOne(ctx context.Context, tx pgx.Tx, query string, args ...any) (*model.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx, query, args...))
	if pkgerrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select matching order")
	}
	return &o, nil
}

func (s *SQLStore) InsertTrade(ctx context.Context, tx pgx.Tx, t *model.Trade) error {
	err := tx.QueryRow(ctx,
		`insert into trades (market_id, buy_order_id, sell_order_id, buyer_id, seller_id, contract_type, price_cents, quantity, trade_type, executed_at)
		 values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) returning id, executed_at`,
		t.MarketID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		string(t.ContractType), t.PriceCents, t.Quantity, string(t.TradeType), time.Now().UTC(),
	).Scan(&t.ID, &t.ExecutedAt)
	return pkgerrors.Wrap(err, "insert trade")
}

// ListOpenOrders returns the market's active book, oldest first.
func (s *SQLStore) ListOpenOrders(ctx context.Context, tx pgx.Tx, marketID int64) ([]model.Order, error) {
	rows, err := tx.Query(ctx,
		`select `+orderColumns+` from orders
		 where market_id = $1 and status in ('open','partially_filled')
		 order by created_at asc, id asc`, marketID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list open orders")
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ClaimOpenOrderIDs returns ids of active orders of the given types, oldest
// first, skipping rows another worker already holds.
func (s *SQLStore) ClaimOpenOrderIDs(ctx context.Context, tx pgx.Tx, marketID int64, orderTypes []types.OrderType, limit int) ([]int64, error) {
	kinds := make([]string, 0, len(orderTypes))
	for _, t := range orderTypes {
		kinds = append(kinds, string(t))
	}
	rows, err := tx.Query(ctx,
		`select id from orders
		 where market_id = $1 and status in ('open','partially_filled') and order_type = any($2)
		 order by created_at asc, id asc limit $3
		 for update skip locked`, marketID, kinds, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "claim open orders")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RefreshDailyVolumes recomputes the rolling 24h volume cache from the trade
// log. The background engine runs this between sweeps.
func (s *SQLStore) RefreshDailyVolumes(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`update markets m set volume_24h = coalesce((
		     select sum(t.quantity) from trades t
		     where t.market_id = m.id and t.executed_at > now() - interval '24 hours'
		 ), 0)
		 where m.status in ('active', 'halted')`)
	return pkgerrors.Wrap(err, "refresh daily volumes")
}

// ListActiveMarketIDs returns markets currently inside their event's trading
// window, for the background sweep.
func (s *SQLStore) ListActiveMarketIDs(ctx context.Context, tx pgx.Tx) ([]int64, error) {
	rows, err := tx.Query(ctx,
		`select m.id from markets m
		 join events e on e.id = m.event_id
		 where m.status = 'active' and e.status = 'active'
		   and e.trading_starts <= now() and e.trading_ends >= now()
		 order by m.id`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list active markets")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
