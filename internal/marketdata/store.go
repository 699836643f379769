package marketdata

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"

	"predmarket/internal/model"
	"predmarket/internal/types"
)

const marketColumns = `id, event_id, title, slug, status, last_yes_price, last_no_price,
	best_yes_bid, best_yes_ask, best_no_bid, best_no_ask,
	total_volume, volume_24h, total_shares_outstanding, fees_collected, amm_enabled, created_at`

func (s *Store) GetMarket(ctx context.Context, marketID int64) (model.Market, error) {
	var m model.Market
	var status string
	err := s.pool.QueryRow(ctx,
		`select `+marketColumns+` from markets where id = $1`, marketID,
	).Scan(&m.ID, &m.EventID, &m.Title, &m.Slug, &status, &m.LastYesPrice, &m.LastNoPrice,
		&m.BestYesBid, &m.BestYesAsk, &m.BestNoBid, &m.BestNoAsk,
		&m.TotalVolume, &m.Volume24h, &m.TotalSharesOutstanding, &m.FeesCollected, &m.AMMEnabled, &m.CreatedAt)
	if err != nil {
		return m, pkgerrors.Wrapf(err, "get market %d", marketID)
	}
	m.Status = types.MarketStatus(status)
	return m, nil
}

func (s *Store) ListMarkets(ctx context.Context, status types.MarketStatus, limit int) ([]model.Market, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`select `+marketColumns+` from markets
		 where ($1 = '' or status = $1)
		 order by created_at desc, id desc limit $2`, string(status), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list markets")
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		var m model.Market
		var st string
		if err := rows.Scan(&m.ID, &m.EventID, &m.Title, &m.Slug, &st, &m.LastYesPrice, &m.LastNoPrice,
			&m.BestYesBid, &m.BestYesAsk, &m.BestNoBid, &m.BestNoAsk,
			&m.TotalVolume, &m.Volume24h, &m.TotalSharesOutstanding, &m.FeesCollected, &m.AMMEnabled, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Status = types.MarketStatus(st)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetUserPosition is the read-only view behind the positions endpoint. A user
// with no row gets a zero position, not an error.
func (s *Store) GetUserPosition(ctx context.Context, userID, marketID int64) (model.Position, error) {
	var p model.Position
	err := s.pool.QueryRow(ctx,
		`select id, user_id, market_id, yes_quantity, no_quantity, reserved_yes_quantity, reserved_no_quantity,
		        yes_avg_cost, no_avg_cost, realized_pnl, created_at, updated_at
		 from positions where user_id = $1 and market_id = $2`, userID, marketID,
	).Scan(&p.ID, &p.UserID, &p.MarketID, &p.YesQuantity, &p.NoQuantity, &p.ReservedYes, &p.ReservedNo,
		&p.YesAvgCost, &p.NoAvgCost, &p.RealizedPnL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		p = model.Position{UserID: userID, MarketID: marketID}
	}
	return p, nil
}

type CreateEventInput struct {
	CategoryID    *int64
	Title         string
	Slug          string
	TradingStarts time.Time
	TradingEnds   time.Time
}

func (s *Store) CreateEvent(ctx context.Context, in CreateEventInput) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`insert into events (category_id, title, slug, status, trading_starts, trading_ends)
		 values ($1,$2,$3,'active',$4,$5) returning id`,
		in.CategoryID, in.Title, in.Slug, in.TradingStarts, in.TradingEnds).Scan(&id)
	return id, pkgerrors.Wrap(err, "create event")
}

type CreateMarketInput struct {
	EventID    int64
	Title      string
	Slug       string
	AMMEnabled bool
}

func (s *Store) CreateMarket(ctx context.Context, in CreateMarketInput) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`insert into markets (event_id, title, slug, status, amm_enabled)
		 values ($1,$2,$3,'active',$4) returning id`,
		in.EventID, in.Title, in.Slug, in.AMMEnabled).Scan(&id)
	return id, pkgerrors.Wrap(err, "create market")
}

// ListTrades returns a market's recent trades, newest first.
func (s *Store) ListTrades(ctx context.Context, marketID int64, limit int) ([]model.Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`select id, market_id, buy_order_id, sell_order_id, buyer_id, seller_id, contract_type, price_cents, quantity, trade_type, executed_at
		 from trades where market_id = $1 order by executed_at desc, id desc limit $2`, marketID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list trades")
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var ct, tt string
		if err := rows.Scan(&t.ID, &t.MarketID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
			&ct, &t.PriceCents, &t.Quantity, &tt, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.ContractType = types.ContractType(ct)
		t.TradeType = types.TradeType(tt)
		out = append(out, t)
	}
	return out, rows.Err()
}
