package amm_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"predmarket/internal/amm"
	"predmarket/internal/enginetest"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

func newAMMService(w *enginetest.World) *amm.Service {
	svc := amm.NewService(enginetest.DB{}, w, w, w, zap.NewNop())
	svc.SetClock(func() time.Time { return w.Now })
	return svc
}

func TestAMMBuyChargesAndUpdatesEverything(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	svc := newAMMService(w)

	trade, err := svc.Execute(context.Background(), 1, 10, types.OrderSideBuy, types.ContractYes, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, trade.Quantity)
	assert.Equal(t, 50, trade.PriceBefore)
	assert.Equal(t, 52, trade.PriceAfter)

	// Balance dropped by subtotal plus fee.
	assert.True(t, w.Accounts[1].Balance.Equal(decimal.NewFromInt(100).Sub(trade.TotalCost)),
		w.Accounts[1].Balance.String())

	pos := w.Position(1, 10)
	assert.EqualValues(t, 10, pos.YesQuantity)
	assert.False(t, pos.YesAvgCost.IsZero())

	pool := w.Pools[10]
	assert.True(t, pool.YesShares.Equal(decimal.NewFromInt(10)))
	assert.True(t, pool.TotalFeesCollected.Equal(trade.FeeAmount))

	market := w.Markets[10]
	assert.Equal(t, 52, market.LastYesPrice)
	assert.Equal(t, 48, market.LastNoPrice)
	assert.EqualValues(t, 10, market.TotalVolume)
}

func TestAMMSellRealizesPnL(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	svc := newAMMService(w)

	_, err := svc.Execute(context.Background(), 1, 10, types.OrderSideBuy, types.ContractYes, 10)
	require.NoError(t, err)
	sell, err := svc.Execute(context.Background(), 1, 10, types.OrderSideSell, types.ContractYes, 10)
	require.NoError(t, err)

	pos := w.Position(1, 10)
	assert.EqualValues(t, 0, pos.YesQuantity)
	assert.True(t, pos.YesAvgCost.IsZero())

	// The round trip costs the two fees; the base amounts cancel out.
	expectedLoss := w.Pools[10].TotalFeesCollected
	assert.True(t, w.Accounts[1].Balance.Equal(decimal.NewFromInt(100).Sub(expectedLoss)),
		w.Accounts[1].Balance.String())
	assert.True(t, sell.TotalCost.IsPositive())
}

func TestAMMSellWithoutPositionFails(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	svc := newAMMService(w)

	// Seed pool depth so liquidity is not the failing precondition.
	_, err := svc.GetQuote(context.Background(), 10, types.OrderSideBuy, types.ContractYes, 1)
	require.NoError(t, err)
	w.Pools[10].YesShares = decimal.NewFromInt(100)

	_, err = svc.Execute(context.Background(), 1, 10, types.OrderSideSell, types.ContractYes, 5)
	var insufficient *trading.InsufficientPositionError
	require.ErrorAs(t, err, &insufficient)
}

func TestAMMRespectsMarketState(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	w.Markets[10].Status = types.MarketStatusHalted
	svc := newAMMService(w)

	_, err := svc.Execute(context.Background(), 1, 10, types.OrderSideBuy, types.ContractYes, 1)
	var notActive *trading.MarketNotActiveError
	require.ErrorAs(t, err, &notActive)

	w.Markets[10].Status = types.MarketStatusActive
	w.Markets[10].AMMEnabled = false
	_, err = svc.Execute(context.Background(), 1, 10, types.OrderSideBuy, types.ContractYes, 1)
	var rejected *trading.TradeRejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestAMMBookmakerRejectionSurfaces(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "1000.00")
	w.AddMarket(10)
	svc := newAMMService(w)

	// Materialize the pool, then switch it to the bookmaker engine.
	_, err := svc.GetQuote(context.Background(), 10, types.OrderSideBuy, types.ContractYes, 1)
	require.NoError(t, err)
	w.Pools[10].Engine = types.AMMEngineBookmaker

	_, err = svc.Execute(context.Background(), 1, 10, types.OrderSideBuy, types.ContractYes, 300)
	var rejected *trading.TradeRejectedError
	require.ErrorAs(t, err, &rejected)

	qty, capped, err := svc.MaxFillableQuantity(context.Background(), 10, types.ContractYes)
	require.NoError(t, err)
	assert.True(t, capped)
	assert.EqualValues(t, 200, qty)
}
