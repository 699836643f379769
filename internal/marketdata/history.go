// Package marketdata serves the read-only market projections: summaries for
// listings and the trade-price history used for charting.
package marketdata

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"predmarket/internal/model"
	"predmarket/internal/types"
)

type Timeframe string

const (
	Timeframe1h  Timeframe = "1h"
	Timeframe24h Timeframe = "24h"
	Timeframe7d  Timeframe = "7d"
	TimeframeAll Timeframe = "all"
)

// ParseTimeframe defaults to 24h, the way the charting endpoint always has.
func ParseTimeframe(raw string) Timeframe {
	switch Timeframe(raw) {
	case Timeframe1h, Timeframe24h, Timeframe7d, TimeframeAll:
		return Timeframe(raw)
	default:
		return Timeframe24h
	}
}

func (t Timeframe) Cutoff(now, marketCreated time.Time) time.Time {
	var cutoff time.Time
	switch t {
	case Timeframe1h:
		cutoff = now.Add(-time.Hour)
	case Timeframe24h:
		cutoff = now.Add(-24 * time.Hour)
	case Timeframe7d:
		cutoff = now.Add(-7 * 24 * time.Hour)
	default:
		cutoff = marketCreated
	}
	if cutoff.Before(marketCreated) {
		return marketCreated
	}
	return cutoff
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type historyTrade struct {
	executedAt   time.Time
	priceCents   int
	contractType types.ContractType
}

// GetPriceHistory replays the market's trades inside the window into price
// points: seeded with the last trade before the cutoff (50/50 when there is
// none), one point per trade, and a closing point at now. YES and NO always
// sum to 100.
func (s *Store) GetPriceHistory(ctx context.Context, marketID int64, tf Timeframe) ([]model.PricePoint, error) {
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `select created_at from markets where id = $1`, marketID).Scan(&createdAt)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "load market %d", marketID)
	}

	now := time.Now().UTC()
	start := tf.Cutoff(now, createdAt)

	startYes := 50
	if start.After(createdAt) {
		var prior *historyTrade
		row := s.pool.QueryRow(ctx,
			`select executed_at, price_cents, contract_type from trades
			 where market_id = $1 and executed_at < $2
			 order by executed_at desc, id desc limit 1`, marketID, start)
		var t historyTrade
		var ct string
		if err := row.Scan(&t.executedAt, &t.priceCents, &ct); err == nil {
			t.contractType = types.ContractType(ct)
			prior = &t
		} else if !pkgerrors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.Wrap(err, "load prior trade")
		}
		if prior != nil {
			startYes = yesPriceOf(prior.priceCents, prior.contractType)
		}
	}

	rows, err := s.pool.Query(ctx,
		`select executed_at, price_cents, contract_type from trades
		 where market_id = $1 and executed_at >= $2
		 order by executed_at asc, id asc`, marketID, start)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load trades")
	}
	defer rows.Close()

	var trades []historyTrade
	for rows.Next() {
		var t historyTrade
		var ct string
		if err := rows.Scan(&t.executedAt, &t.priceCents, &ct); err != nil {
			return nil, err
		}
		t.contractType = types.ContractType(ct)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return BuildPriceHistory(start, now, startYes, trades), nil
}

// BuildPriceHistory is the pure replay; split out for tests.
func BuildPriceHistory(start, now time.Time, startYes int, trades []historyTrade) []model.PricePoint {
	points := make([]model.PricePoint, 0, len(trades)+2)
	points = append(points, model.PricePoint{Time: start, YesPrice: startYes, NoPrice: 100 - startYes})
	currentYes := startYes
	for _, t := range trades {
		currentYes = yesPriceOf(t.priceCents, t.contractType)
		points = append(points, model.PricePoint{Time: t.executedAt, YesPrice: currentYes, NoPrice: 100 - currentYes})
	}
	points = append(points, model.PricePoint{Time: now, YesPrice: currentYes, NoPrice: 100 - currentYes})
	return points
}

func yesPriceOf(priceCents int, ct types.ContractType) int {
	if ct == types.ContractYes {
		return priceCents
	}
	return 100 - priceCents
}
