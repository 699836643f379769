package amm_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predmarket/internal/amm"
	"predmarket/internal/model"
	"predmarket/internal/types"
)

func bookmakerPool() model.AMMPool {
	p := lmsrPool()
	p.Engine = types.AMMEngineBookmaker
	return p
}

func TestBookmakerFreshPoolCarriesVig(t *testing.T) {
	bm := amm.NewBookmaker()
	pool := bookmakerPool()

	yes, no := bm.BuyPrices(pool)
	assert.Equal(t, yes, no)
	assert.GreaterOrEqual(t, yes+no, 104, "buy prices must sum over 100 by the vig")
	assert.LessOrEqual(t, yes+no, 106)

	dispYes, dispNo := bm.DisplayPrices(pool)
	assert.Equal(t, 50, dispYes)
	assert.Equal(t, 50, dispNo)
}

func TestBookmakerImbalanceMovesPrices(t *testing.T) {
	bm := amm.NewBookmaker()
	pool := bookmakerPool()
	pool.YesShares = decimal.NewFromInt(100)

	yes, no := bm.BuyPrices(pool)
	assert.Greater(t, yes, no, "the heavy side must get more expensive")

	dispYes, dispNo := bm.DisplayPrices(pool)
	assert.Greater(t, dispYes, 50)
	assert.Equal(t, 100, dispYes+dispNo)
}

func TestBookmakerImbalanceCapRejects(t *testing.T) {
	bm := amm.NewBookmaker()
	q, err := bm.Quote(bookmakerPool(), types.OrderSideBuy, types.ContractYes, 300)
	require.NoError(t, err)
	assert.False(t, q.CanAccept)
	assert.Contains(t, q.RejectReason, "imbalance")
}

func TestBookmakerLossCapRejects(t *testing.T) {
	bm := amm.NewBookmaker()
	pool := bookmakerPool()
	// A balanced but deep book: exposure 150 on both sides, nothing collected.
	pool.YesShares = decimal.NewFromInt(150)
	pool.NoShares = decimal.NewFromInt(150)

	q, err := bm.Quote(pool, types.OrderSideBuy, types.ContractYes, 150)
	require.NoError(t, err)
	assert.False(t, q.CanAccept)
	assert.Contains(t, q.RejectReason, "max loss")

	// A small buy still fits under the cap.
	q, err = bm.Quote(pool, types.OrderSideBuy, types.ContractYes, 10)
	require.NoError(t, err)
	assert.True(t, q.CanAccept)
}

func TestBookmakerCollectedMoneyExtendsLossRoom(t *testing.T) {
	bm := amm.NewBookmaker()
	pool := bookmakerPool()
	pool.YesShares = decimal.NewFromInt(150)
	pool.NoShares = decimal.NewFromInt(150)
	pool.PoolBalance = decimal.NewFromInt(100)

	// Same book as the rejection case, but with collected premium the
	// exposure is only 50 and the trade passes.
	q, err := bm.Quote(pool, types.OrderSideBuy, types.ContractYes, 150)
	require.NoError(t, err)
	assert.True(t, q.CanAccept, q.RejectReason)
}

func TestBookmakerSellerGetsFairMinusHalfVig(t *testing.T) {
	bm := amm.NewBookmaker()
	pool := bookmakerPool()
	pool.YesShares = decimal.NewFromInt(10)

	q, err := bm.Quote(pool, types.OrderSideSell, types.ContractYes, 10)
	require.NoError(t, err)
	// Fair is 55 here; the half-vig haircut pulls the seller below it.
	assert.Less(t, int(q.AvgPriceCents.IntPart()), 55)
	assert.GreaterOrEqual(t, int(q.AvgPriceCents.IntPart()), 50)
	assert.True(t, q.Total.Equal(q.Subtotal.Sub(q.Fee)))
}

func TestBookmakerMaxFillableQuantity(t *testing.T) {
	bm := amm.NewBookmaker()
	pool := bookmakerPool()

	// Fresh pool: the imbalance cap binds first.
	assert.EqualValues(t, 200, bm.MaxFillableQuantity(pool, types.ContractYes))

	// The quantity it reports must actually be admissible.
	maxQty := bm.MaxFillableQuantity(pool, types.ContractYes)
	q, err := bm.Quote(pool, types.OrderSideBuy, types.ContractYes, maxQty)
	require.NoError(t, err)
	assert.True(t, q.CanAccept, q.RejectReason)

	q, err = bm.Quote(pool, types.OrderSideBuy, types.ContractYes, maxQty+1)
	require.NoError(t, err)
	assert.False(t, q.CanAccept)
}

func TestBookmakerPairSumAndClamp(t *testing.T) {
	bm := amm.NewBookmaker()
	pool := bookmakerPool()
	pool.YesShares = decimal.NewFromInt(100000)

	yes, no := bm.DisplayPrices(pool)
	assert.Equal(t, 100, yes+no)
	assert.GreaterOrEqual(t, yes, 1)
	assert.LessOrEqual(t, yes, 99)

	buyYes, buyNo := bm.BuyPrices(pool)
	assert.GreaterOrEqual(t, buyNo, 1)
	assert.LessOrEqual(t, buyYes, 99)
}
