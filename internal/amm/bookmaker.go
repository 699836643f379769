package amm

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

// Bookmaker quotes like a traditional book: the two buy prices sum to more
// than 100c (the vig), exposure is pushed back toward balance by a dynamic
// price swing, and admission control caps both the share imbalance and the
// worst-case loss on either outcome.
type Bookmaker struct {
	Vig          float64
	MaxLoss      decimal.Decimal
	MaxImbalance int64
}

func NewBookmaker() Bookmaker {
	return Bookmaker{
		Vig:          0.05,
		MaxLoss:      decimal.NewFromInt(200),
		MaxImbalance: 200,
	}
}

func (Bookmaker) Kind() types.AMMEngineKind { return types.AMMEngineBookmaker }

// imbalance is (q_y - q_n) / max(q_y + q_n, 10), clipped to [-1, 1].
func (bm Bookmaker) imbalance(pool model.AMMPool) float64 {
	qYes, _ := pool.YesShares.Float64()
	qNo, _ := pool.NoShares.Float64()
	im := (qYes - qNo) / math.Max(qYes+qNo, 10)
	return math.Max(-1, math.Min(1, im))
}

// BuyPrices returns the vig-loaded buy quotes. With the default 5% vig the
// pair sums to roughly 105c.
func (bm Bookmaker) BuyPrices(pool model.AMMPool) (yesCents, noCents int) {
	vigHalf := bm.Vig * 100 / 2
	adj := bm.imbalance(pool) * 10
	yesCents = ClampCents(int(math.Round(50 + vigHalf + adj)))
	noCents = ClampCents(int(math.Round(50 + vigHalf - adj)))
	return yesCents, noCents
}

// fairProbability is the no-vig YES probability implied by the book.
func (bm Bookmaker) fairProbability(pool model.AMMPool) float64 {
	qYes, _ := pool.YesShares.Float64()
	qNo, _ := pool.NoShares.Float64()
	total := qYes + qNo
	if total == 0 {
		return 0.5
	}
	return 0.5 + (qYes-qNo)/(2*math.Max(total, 100))
}

// DisplayPrices sum to 100 and feed the market's last-price cache.
func (bm Bookmaker) DisplayPrices(pool model.AMMPool) (yesCents, noCents int) {
	yesCents = ClampCents(int(math.Round(bm.fairProbability(pool) * 100)))
	return yesCents, 100 - yesCents
}

// Exposure is the loss the pool takes on each outcome given what it has
// collected so far: payout per winning share is one dollar.
type Exposure struct {
	MoneyCollected decimal.Decimal
	YesPayout      decimal.Decimal
	NoPayout       decimal.Decimal
	YesExposure    decimal.Decimal
	NoExposure     decimal.Decimal
}

func (bm Bookmaker) CalculateExposure(pool model.AMMPool) Exposure {
	e := Exposure{
		MoneyCollected: pool.PoolBalance,
		YesPayout:      pool.YesShares,
		NoPayout:       pool.NoShares,
	}
	e.YesExposure = e.YesPayout.Sub(e.MoneyCollected)
	e.NoExposure = e.NoPayout.Sub(e.MoneyCollected)
	return e
}

// admit checks a prospective buy against the imbalance cap and the loss cap.
func (bm Bookmaker) admit(pool model.AMMPool, ct types.ContractType, qty int64, cost decimal.Decimal) (bool, string) {
	qd := decimal.NewFromInt(qty)
	maxImb := decimal.NewFromInt(bm.MaxImbalance)

	var newImbalance decimal.Decimal
	if ct == types.ContractYes {
		newImbalance = pool.YesShares.Add(qd).Sub(pool.NoShares)
	} else {
		newImbalance = pool.NoShares.Add(qd).Sub(pool.YesShares)
	}
	if newImbalance.GreaterThan(maxImb) {
		return false, fmt.Sprintf("would create too much imbalance (%s shares, max %d)",
			newImbalance.StringFixed(0), bm.MaxImbalance)
	}

	e := bm.CalculateExposure(pool)
	newMoney := e.MoneyCollected.Add(cost)
	var newExposure decimal.Decimal
	if ct == types.ContractYes {
		newExposure = e.YesPayout.Add(qd).Sub(newMoney)
	} else {
		newExposure = e.NoPayout.Add(qd).Sub(newMoney)
	}
	if newExposure.GreaterThan(bm.MaxLoss) {
		return false, fmt.Sprintf("would exceed max loss (exposure %s, cap %s)",
			newExposure.StringFixed(2), bm.MaxLoss.StringFixed(2))
	}
	return true, ""
}

func (bm Bookmaker) Quote(pool model.AMMPool, side types.OrderSide, ct types.ContractType, qty int64) (Quote, error) {
	if qty < 1 {
		return Quote{}, &trading.InvalidQuantityError{Value: qty}
	}
	qd := decimal.NewFromInt(qty)

	var priceCents int
	if side == types.OrderSideBuy {
		yes, no := bm.BuyPrices(pool)
		priceCents = yes
		if ct == types.ContractNo {
			priceCents = no
		}
	} else {
		// Sellers receive fair probability minus half the vig.
		fair := bm.fairProbability(pool)
		p := fair
		if ct == types.ContractNo {
			p = 1 - fair
		}
		priceCents = ClampCents(int(math.Round(p * (1 - bm.Vig/2) * 100)))

		outstanding := pool.YesShares
		if ct == types.ContractNo {
			outstanding = pool.NoShares
		}
		if qd.GreaterThan(outstanding) {
			return Quote{}, &trading.InsufficientLiquidityError{Requested: qty, Outstanding: outstanding}
		}
	}

	subtotal := decimal.NewFromInt(int64(priceCents)).Mul(qd).Div(decimal.NewFromInt(100)).Round(2)
	fee := subtotal.Mul(pool.FeePercentage).Round(2)

	q := Quote{
		Side:          side,
		ContractType:  ct,
		Quantity:      qty,
		AvgPriceCents: decimal.NewFromInt(int64(priceCents)),
		Subtotal:      subtotal,
		Fee:           fee,
		CanAccept:     true,
	}
	yesBefore, noBefore := bm.DisplayPrices(pool)
	q.PriceBefore = yesBefore
	if ct == types.ContractNo {
		q.PriceBefore = noBefore
	}

	after := pool
	if side == types.OrderSideBuy {
		q.Total = subtotal.Add(fee)
		ok, reason := bm.admit(pool, ct, qty, subtotal)
		if !ok {
			q.CanAccept = false
			q.RejectReason = reason
		}
		if ct == types.ContractYes {
			q.YesSharesDelta = qd
			after.YesShares = after.YesShares.Add(qd)
		} else {
			q.NoSharesDelta = qd
			after.NoShares = after.NoShares.Add(qd)
		}
		q.PoolBalanceDelta = subtotal
	} else {
		q.Total = subtotal.Sub(fee)
		if ct == types.ContractYes {
			q.YesSharesDelta = qd.Neg()
			after.YesShares = after.YesShares.Sub(qd)
		} else {
			q.NoSharesDelta = qd.Neg()
			after.NoShares = after.NoShares.Sub(qd)
		}
		q.PoolBalanceDelta = subtotal.Neg()
	}

	yesAfter, noAfter := bm.DisplayPrices(after)
	q.MarketYes = yesAfter
	q.MarketNo = noAfter
	q.PriceAfter = yesAfter
	if ct == types.ContractNo {
		q.PriceAfter = noAfter
	}
	return q, nil
}

// MaxFillableQuantity reports the largest buy either admission limit accepts,
// so callers can split a request between this engine and the book.
func (bm Bookmaker) MaxFillableQuantity(pool model.AMMPool, ct types.ContractType) int64 {
	yesShares, _ := pool.YesShares.Float64()
	noShares, _ := pool.NoShares.Float64()

	var imbalanceLimit float64
	if ct == types.ContractYes {
		imbalanceLimit = float64(bm.MaxImbalance) + noShares - yesShares
	} else {
		imbalanceLimit = float64(bm.MaxImbalance) + yesShares - noShares
	}

	e := bm.CalculateExposure(pool)
	exposure := e.YesExposure
	yes, no := bm.BuyPrices(pool)
	priceCents := yes
	if ct == types.ContractNo {
		exposure = e.NoExposure
		priceCents = no
	}
	remaining, _ := bm.MaxLoss.Sub(exposure).Float64()
	priceFactor := 1 - float64(priceCents)/100

	var lossLimit float64
	if priceFactor > 0 {
		lossLimit = remaining / priceFactor
	}

	maxQty := int64(math.Min(imbalanceLimit, lossLimit))
	if maxQty < 0 {
		return 0
	}
	return maxQty
}
