package amm

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"

	"predmarket/internal/model"
	"predmarket/internal/types"
)

type SQLStore struct{}

func NewStore() *SQLStore {
	return &SQLStore{}
}

const poolColumns = `id, market_id, engine, liquidity_b, yes_shares, no_shares, pool_balance, fee_percentage, total_fees_collected, created_at, updated_at`

// GetOrCreatePoolForUpdate locks the market's pool row, creating one with the
// default liquidity and fee when the market has never traded against the AMM.
func (s *SQLStore) GetOrCreatePoolForUpdate(ctx context.Context, tx pgx.Tx, marketID int64) (model.AMMPool, error) {
	p, err := s.scanPool(ctx, tx, marketID)
	if err == nil {
		return p, nil
	}
	if !pkgerrors.Is(err, pgx.ErrNoRows) {
		return p, pkgerrors.Wrapf(err, "lock amm pool market=%d", marketID)
	}
	_, err = tx.Exec(ctx,
		`insert into amm_pools (market_id) values ($1) on conflict (market_id) do nothing`, marketID)
	if err != nil {
		return p, pkgerrors.Wrap(err, "create amm pool")
	}
	p, err = s.scanPool(ctx, tx, marketID)
	return p, pkgerrors.Wrap(err, "relock amm pool")
}

func (s *SQLStore) scanPool(ctx context.Context, tx pgx.Tx, marketID int64) (model.AMMPool, error) {
	var p model.AMMPool
	var engine string
	err := tx.QueryRow(ctx,
		`select `+poolColumns+` from amm_pools where market_id = $1 for update`, marketID,
	).Scan(&p.ID, &p.MarketID, &engine, &p.LiquidityB, &p.YesShares, &p.NoShares,
		&p.PoolBalance, &p.FeePercentage, &p.TotalFeesCollected, &p.CreatedAt, &p.UpdatedAt)
	p.Engine = types.AMMEngineKind(engine)
	return p, err
}

func (s *SQLStore) SavePool(ctx context.Context, tx pgx.Tx, p model.AMMPool) error {
	_, err := tx.Exec(ctx,
		`update amm_pools set yes_shares = $1, no_shares = $2, pool_balance = $3, total_fees_collected = $4, updated_at = $5
		 where id = $6`,
		p.YesShares, p.NoShares, p.PoolBalance, p.TotalFeesCollected, time.Now().UTC(), p.ID)
	return pkgerrors.Wrap(err, "save amm pool")
}

func (s *SQLStore) InsertAMMTrade(ctx context.Context, tx pgx.Tx, t *model.AMMTrade) error {
	err := tx.QueryRow(ctx,
		`insert into amm_trades (pool_id, user_id, side, contract_type, quantity, price_before, price_after, avg_price, total_cost, fee_amount, executed_at)
		 values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) returning id, executed_at`,
		t.PoolID, t.UserID, string(t.Side), string(t.ContractType), t.Quantity,
		t.PriceBefore, t.PriceAfter, t.AvgPrice, t.TotalCost, t.FeeAmount, time.Now().UTC(),
	).Scan(&t.ID, &t.ExecutedAt)
	return pkgerrors.Wrap(err, "insert amm trade")
}
