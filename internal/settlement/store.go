package settlement

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"

	"predmarket/internal/matching"
	"predmarket/internal/model"
	"predmarket/internal/types"
)

// SQLStore layers the settlement queries over the matching store.
type SQLStore struct {
	*matching.SQLStore
}

func NewStore(base *matching.SQLStore) *SQLStore {
	return &SQLStore{SQLStore: base}
}

func (s *SQLStore) SetMarketStatus(ctx context.Context, tx pgx.Tx, marketID int64, status types.MarketStatus) error {
	_, err := tx.Exec(ctx, `update markets set status = $1 where id = $2`, string(status), marketID)
	return pkgerrors.Wrap(err, "set market status")
}

// ListHeldPositions locks and returns every position with any holdings in the
// market, id ascending to keep the lock order deterministic.
func (s *SQLStore) ListHeldPositions(ctx context.Context, tx pgx.Tx, marketID int64) ([]model.Position, error) {
	rows, err := tx.Query(ctx,
		`select id, user_id, market_id, yes_quantity, no_quantity, reserved_yes_quantity, reserved_no_quantity,
		        yes_avg_cost, no_avg_cost, realized_pnl, created_at, updated_at
		 from positions
		 where market_id = $1
		   and (yes_quantity > 0 or no_quantity > 0 or reserved_yes_quantity > 0 or reserved_no_quantity > 0)
		 order by id asc for update`, marketID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list held positions")
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.ID, &p.UserID, &p.MarketID, &p.YesQuantity, &p.NoQuantity,
			&p.ReservedYes, &p.ReservedNo, &p.YesAvgCost, &p.NoAvgCost, &p.RealizedPnL,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) ClearPosition(ctx context.Context, tx pgx.Tx, positionID int64) error {
	_, err := tx.Exec(ctx,
		`update positions set yes_quantity = 0, no_quantity = 0, reserved_yes_quantity = 0, reserved_no_quantity = 0,
		        yes_avg_cost = 0, no_avg_cost = 0, updated_at = $1
		 where id = $2`, time.Now().UTC(), positionID)
	return pkgerrors.Wrap(err, "clear position")
}
