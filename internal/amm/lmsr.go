package amm

import (
	"math"

	"github.com/shopspring/decimal"

	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

// LMSR prices with the logarithmic market scoring rule:
//
//	C(q_y, q_n) = b * ln(exp(q_y/b) + exp(q_n/b))
//	p_yes       = exp(q_y/b) / (exp(q_y/b) + exp(q_n/b))
//
// Cost deltas are evaluated in double precision with log-sum-exp
// stabilization and quantized to two-decimal dollars at the boundary.
type LMSR struct{}

func (LMSR) Kind() types.AMMEngineKind { return types.AMMEngineLMSR }

// costFunction computes C with the log-sum-exp trick: overflow-free for any
// share counts the pool can reach.
func costFunction(b, qYes, qNo float64) float64 {
	m := math.Max(qYes/b, qNo/b)
	return b * (m + math.Log(math.Exp(qYes/b-m)+math.Exp(qNo/b-m)))
}

// marginalPrice returns p_yes as a probability.
func marginalPrice(b, qYes, qNo float64) float64 {
	m := math.Max(qYes/b, qNo/b)
	expYes := math.Exp(qYes/b - m)
	expNo := math.Exp(qNo/b - m)
	return expYes / (expYes + expNo)
}

// ClampCents forces a price into the displayable 1..99 band.
func ClampCents(c int) int {
	if c < 1 {
		return 1
	}
	if c > 99 {
		return 99
	}
	return c
}

func lmsrPriceCents(b, qYes, qNo float64, ct types.ContractType) int {
	p := marginalPrice(b, qYes, qNo)
	if ct == types.ContractNo {
		p = 1 - p
	}
	return ClampCents(int(math.Round(p * 100)))
}

func (LMSR) Quote(pool model.AMMPool, side types.OrderSide, ct types.ContractType, qty int64) (Quote, error) {
	if qty < 1 {
		return Quote{}, &trading.InvalidQuantityError{Value: qty}
	}
	b, _ := pool.LiquidityB.Float64()
	qYes, _ := pool.YesShares.Float64()
	qNo, _ := pool.NoShares.Float64()
	fq := float64(qty)

	newYes, newNo := qYes, qNo
	if side == types.OrderSideBuy {
		if ct == types.ContractYes {
			newYes += fq
		} else {
			newNo += fq
		}
	} else {
		outstanding := pool.YesShares
		if ct == types.ContractNo {
			outstanding = pool.NoShares
		}
		if decimal.NewFromInt(qty).GreaterThan(outstanding) {
			return Quote{}, &trading.InsufficientLiquidityError{Requested: qty, Outstanding: outstanding}
		}
		if ct == types.ContractYes {
			newYes -= fq
		} else {
			newNo -= fq
		}
	}

	before := costFunction(b, qYes, qNo)
	after := costFunction(b, newYes, newNo)

	var subtotal decimal.Decimal
	if side == types.OrderSideBuy {
		subtotal = decimal.NewFromFloat(after - before).Round(2)
	} else {
		subtotal = decimal.NewFromFloat(before - after).Round(2)
	}

	fee := subtotal.Mul(pool.FeePercentage).Round(2)
	var total decimal.Decimal
	if side == types.OrderSideBuy {
		total = subtotal.Add(fee)
	} else {
		total = subtotal.Sub(fee)
	}

	avgPrice := subtotal.Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(qty)).Round(4)

	priceBefore := lmsrPriceCents(b, qYes, qNo, ct)
	priceAfter := lmsrPriceCents(b, newYes, newNo, ct)

	yesAfter := lmsrPriceCents(b, newYes, newNo, types.ContractYes)

	q := Quote{
		Side:          side,
		ContractType:  ct,
		Quantity:      qty,
		PriceBefore:   priceBefore,
		PriceAfter:    priceAfter,
		AvgPriceCents: avgPrice,
		Subtotal:      subtotal,
		Fee:           fee,
		Total:         total,
		CanAccept:     true,
		MarketYes:     yesAfter,
		MarketNo:      100 - yesAfter,
	}
	qd := decimal.NewFromInt(qty)
	if side == types.OrderSideBuy {
		if ct == types.ContractYes {
			q.YesSharesDelta = qd
		} else {
			q.NoSharesDelta = qd
		}
		q.PoolBalanceDelta = subtotal
	} else {
		if ct == types.ContractYes {
			q.YesSharesDelta = qd.Neg()
		} else {
			q.NoSharesDelta = qd.Neg()
		}
		q.PoolBalanceDelta = subtotal.Neg()
	}
	return q, nil
}

// SharesForAmount binary-searches the largest quantity whose total cost fits
// in the given amount.
func (l LMSR) SharesForAmount(pool model.AMMPool, ct types.ContractType, amount decimal.Decimal) int64 {
	if !amount.IsPositive() {
		return 0
	}
	low, high := int64(1), int64(10000)
	var best int64
	for low <= high {
		mid := (low + high) / 2
		q, err := l.Quote(pool, types.OrderSideBuy, ct, mid)
		if err == nil && q.Total.LessThanOrEqual(amount) {
			best = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return best
}
