package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

// GetPositionForUpdate locks the (user, market) position row, creating an
// empty one when the user has never held the market.
func (s *Service) GetPositionForUpdate(ctx context.Context, tx pgx.Tx, userID, marketID int64) (model.Position, error) {
	p, err := s.scanPositionForUpdate(ctx, tx, userID, marketID)
	if err == nil {
		return p, nil
	}
	if !pkgerrors.Is(err, pgx.ErrNoRows) {
		return p, pkgerrors.Wrapf(err, "lock position user=%d market=%d", userID, marketID)
	}
	_, err = tx.Exec(ctx,
		`insert into positions (user_id, market_id) values ($1, $2) on conflict (user_id, market_id) do nothing`,
		userID, marketID)
	if err != nil {
		return p, pkgerrors.Wrap(err, "create position")
	}
	p, err = s.scanPositionForUpdate(ctx, tx, userID, marketID)
	return p, pkgerrors.Wrap(err, "relock position")
}

func (s *Service) scanPositionForUpdate(ctx context.Context, tx pgx.Tx, userID, marketID int64) (model.Position, error) {
	var p model.Position
	err := tx.QueryRow(ctx,
		`select id, user_id, market_id, yes_quantity, no_quantity, reserved_yes_quantity, reserved_no_quantity,
		        yes_avg_cost, no_avg_cost, realized_pnl, created_at, updated_at
		 from positions where user_id = $1 and market_id = $2 for update`,
		userID, marketID,
	).Scan(&p.ID, &p.UserID, &p.MarketID, &p.YesQuantity, &p.NoQuantity, &p.ReservedYes, &p.ReservedNo,
		&p.YesAvgCost, &p.NoAvgCost, &p.RealizedPnL, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// ReserveShares moves qty of a side from the available pool to the reserved
// pool. Fails with InsufficientPositionError before any mutation.
func (s *Service) ReserveShares(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64) error {
	p, err := s.GetPositionForUpdate(ctx, tx, userID, marketID)
	if err != nil {
		return err
	}
	if p.Quantity(ct) < qty {
		return &trading.InsufficientPositionError{Required: qty, Available: p.Quantity(ct), ContractType: ct}
	}
	if ct == types.ContractYes {
		p.YesQuantity -= qty
		p.ReservedYes += qty
	} else {
		p.NoQuantity -= qty
		p.ReservedNo += qty
	}
	return s.savePosition(ctx, tx, p)
}

// ReleaseShares is the inverse of ReserveShares.
func (s *Service) ReleaseShares(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64) error {
	p, err := s.GetPositionForUpdate(ctx, tx, userID, marketID)
	if err != nil {
		return err
	}
	if ct == types.ContractYes {
		p.ReservedYes -= qty
		p.YesQuantity += qty
	} else {
		p.ReservedNo -= qty
		p.NoQuantity += qty
	}
	return s.savePosition(ctx, tx, p)
}

// BurnReservedShares removes qty from the reserved pool without returning it
// to the available pool. Used when a resting sell or redeem executes.
func (s *Service) BurnReservedShares(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64) error {
	p, err := s.GetPositionForUpdate(ctx, tx, userID, marketID)
	if err != nil {
		return err
	}
	reserved := p.ReservedYes
	if ct == types.ContractNo {
		reserved = p.ReservedNo
	}
	if reserved < qty {
		return &trading.InsufficientPositionError{Required: qty, Available: reserved, ContractType: ct}
	}
	if ct == types.ContractYes {
		p.ReservedYes -= qty
	} else {
		p.ReservedNo -= qty
	}
	p = zeroAvgCostIfFlat(p)
	return s.savePosition(ctx, tx, p)
}

// ApplyBuyFill adds qty shares at priceCents (decimal cents; AMM fills carry
// fractional cents) and re-weights the side's average cost over the total
// holding (available plus reserved).
func (s *Service) ApplyBuyFill(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64, priceCents decimal.Decimal) error {
	p, err := s.GetPositionForUpdate(ctx, tx, userID, marketID)
	if err != nil {
		return err
	}
	p = applyBuy(p, ct, qty, priceCents)
	return s.savePosition(ctx, tx, p)
}

// RealizeSale books the P&L for qty shares sold at priceCents against the
// side's average cost. When fromReserved the shares were locked at order
// placement and are burned by the caller; otherwise they leave the available
// pool here.
func (s *Service) RealizeSale(ctx context.Context, tx pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64, priceCents decimal.Decimal, fromReserved bool) error {
	p, err := s.GetPositionForUpdate(ctx, tx, userID, marketID)
	if err != nil {
		return err
	}
	if !fromReserved {
		if p.Quantity(ct) < qty {
			return &trading.InsufficientPositionError{Required: qty, Available: p.Quantity(ct), ContractType: ct}
		}
		if ct == types.ContractYes {
			p.YesQuantity -= qty
		} else {
			p.NoQuantity -= qty
		}
	}
	p = realizePnL(p, ct, qty, priceCents)
	p = zeroAvgCostIfFlat(p)
	return s.savePosition(ctx, tx, p)
}

func (s *Service) savePosition(ctx context.Context, tx pgx.Tx, p model.Position) error {
	_, err := tx.Exec(ctx,
		`update positions set yes_quantity = $1, no_quantity = $2, reserved_yes_quantity = $3, reserved_no_quantity = $4,
		        yes_avg_cost = $5, no_avg_cost = $6, realized_pnl = $7, updated_at = $8
		 where id = $9`,
		p.YesQuantity, p.NoQuantity, p.ReservedYes, p.ReservedNo,
		p.YesAvgCost, p.NoAvgCost, p.RealizedPnL, time.Now().UTC(), p.ID)
	return pkgerrors.Wrap(err, "save position")
}

// applyBuy re-weights avg cost over the full holding. Exported through
// ApplyBuyFill; kept standalone so the arithmetic is unit-testable.
func applyBuy(p model.Position, ct types.ContractType, qty int64, price decimal.Decimal) model.Position {
	if ct == types.ContractYes {
		oldTotal := p.YesQuantity + p.ReservedYes
		newTotal := oldTotal + qty
		p.YesAvgCost = weightedCost(oldTotal, p.YesAvgCost, qty, price, newTotal)
		p.YesQuantity += qty
	} else {
		oldTotal := p.NoQuantity + p.ReservedNo
		newTotal := oldTotal + qty
		p.NoAvgCost = weightedCost(oldTotal, p.NoAvgCost, qty, price, newTotal)
		p.NoQuantity += qty
	}
	return p
}

func weightedCost(oldQty int64, oldCost decimal.Decimal, qty int64, price decimal.Decimal, newQty int64) decimal.Decimal {
	if newQty <= 0 {
		return decimal.Zero
	}
	total := decimal.NewFromInt(oldQty).Mul(oldCost).Add(decimal.NewFromInt(qty).Mul(price))
	return total.Div(decimal.NewFromInt(newQty)).Round(2)
}

// realizePnL books qty * (price - avg_cost) / 100 dollars.
func realizePnL(p model.Position, ct types.ContractType, qty int64, priceCents decimal.Decimal) model.Position {
	avg := p.YesAvgCost
	if ct == types.ContractNo {
		avg = p.NoAvgCost
	}
	pnl := decimal.NewFromInt(qty).
		Mul(priceCents.Sub(avg)).
		Div(decimal.NewFromInt(100)).Round(2)
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	return p
}

// zeroAvgCostIfFlat keeps the avg_cost = 0 <=> quantity = 0 invariant.
func zeroAvgCostIfFlat(p model.Position) model.Position {
	if p.YesQuantity+p.ReservedYes == 0 {
		p.YesAvgCost = decimal.Zero
	}
	if p.NoQuantity+p.ReservedNo == 0 {
		p.NoAvgCost = decimal.Zero
	}
	return p
}
