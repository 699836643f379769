package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"predmarket/internal/enginetest"
	"predmarket/internal/matching"
	"predmarket/internal/settlement"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

func newServices(w *enginetest.World) (*settlement.Service, *matching.Service) {
	settleSvc := settlement.NewService(enginetest.DB{}, w, w, zap.NewNop())
	settleSvc.SetClock(func() time.Time { return w.Now })
	matchSvc := matching.NewService(enginetest.DB{}, w, w, zap.NewNop())
	matchSvc.SetClock(func() time.Time { return w.Now })
	return settleSvc, matchSvc
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSettleYesPaysWinnersAndCancelsOrders(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00") // holds 10 YES
	w.AddAccount(2, "100.00") // holds 10 NO
	w.AddAccount(3, "100.00") // has a resting buy order
	w.AddMarket(10)
	w.SeedPosition(1, 10, 10, 0, "60.00", "0")
	w.SeedPosition(2, 10, 0, 10, "0", "40.00")
	settleSvc, matchSvc := newServices(w)

	_, _, err := matchSvc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID: 3, MarketID: 10,
		Side: types.OrderSideBuy, ContractType: types.ContractYes,
		OrderType: types.OrderTypeLimit, PriceCents: 50, Quantity: 5,
	})
	require.NoError(t, err)
	require.True(t, w.Accounts[3].Reserved.Equal(dec("2.50")))

	stats, err := settleSvc.SettleMarket(context.Background(), 10, types.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeYes, stats.WinningOutcome)
	assert.Equal(t, 1, stats.Winners)
	assert.True(t, stats.TotalPayout.Equal(dec("10.00")))
	assert.Equal(t, 1, stats.OrdersCancelled)

	// Winner credited one dollar per contract, loser untouched, reservation
	// released in full.
	assert.True(t, w.Accounts[1].Balance.Equal(dec("110.00")))
	assert.True(t, w.Accounts[2].Balance.Equal(dec("100.00")))
	assert.True(t, w.Accounts[3].Reserved.IsZero())

	pos1 := w.Position(1, 10)
	pos2 := w.Position(2, 10)
	assert.EqualValues(t, 0, pos1.YesQuantity)
	assert.EqualValues(t, 0, pos2.NoQuantity)
	assert.Equal(t, types.MarketStatusSettledYes, w.Markets[10].Status)

	// Loser keeps a zero-amount audit record.
	var sawLoss bool
	for _, tx := range w.TransactionsOf(2) {
		if tx.Type == types.TxSettlementLoss {
			sawLoss = true
			assert.True(t, tx.Amount.IsZero())
		}
	}
	assert.True(t, sawLoss)
}

func TestSettleNoPaysOtherSide(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	w.SeedPosition(1, 10, 10, 0, "60.00", "0")
	w.SeedPosition(2, 10, 0, 10, "0", "40.00")
	settleSvc, _ := newServices(w)

	stats, err := settleSvc.SettleMarket(context.Background(), 10, types.OutcomeNo)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Winners)
	assert.True(t, w.Accounts[1].Balance.Equal(dec("100.00")))
	assert.True(t, w.Accounts[2].Balance.Equal(dec("110.00")))
	assert.Equal(t, types.MarketStatusSettledNo, w.Markets[10].Status)
}

func TestSettleRejectsTerminalStates(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddMarket(10)
	w.Markets[10].Status = types.MarketStatusSettledYes
	settleSvc, _ := newServices(w)

	_, err := settleSvc.SettleMarket(context.Background(), 10, types.OutcomeYes)
	var notSettleable *trading.MarketNotSettleableError
	require.ErrorAs(t, err, &notSettleable)
}

func TestMintCompleteSet(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	settleSvc, _ := newServices(w)

	stats, err := settleSvc.MintCompleteSet(context.Background(), 10, 1, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.Quantity)
	assert.True(t, stats.Amount.Equal(dec("5.10")), stats.Amount.String())

	pos := w.Position(1, 10)
	assert.EqualValues(t, 5, pos.YesQuantity)
	assert.EqualValues(t, 5, pos.NoQuantity)
	assert.True(t, pos.YesAvgCost.Equal(dec("50.00")))
	assert.True(t, pos.NoAvgCost.Equal(dec("50.00")))

	assert.True(t, w.Accounts[1].Balance.Equal(dec("94.90")), w.Accounts[1].Balance.String())
	assert.EqualValues(t, 5, w.Markets[10].TotalSharesOutstanding)
}

func TestRedeemCompleteSet(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	settleSvc, _ := newServices(w)

	_, err := settleSvc.MintCompleteSet(context.Background(), 10, 1, 5)
	require.NoError(t, err)
	stats, err := settleSvc.RedeemCompleteSet(context.Background(), 10, 1, 3)
	require.NoError(t, err)
	assert.True(t, stats.Amount.Equal(dec("2.94")), stats.Amount.String())

	pos := w.Position(1, 10)
	assert.EqualValues(t, 2, pos.YesQuantity)
	assert.EqualValues(t, 2, pos.NoQuantity)
	assert.EqualValues(t, 2, w.Markets[10].TotalSharesOutstanding)
}

// Mint then redeem of the same quantity restores the position and loses only
// the fees.
func TestMintRedeemRoundTripCostsOnlyFees(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	settleSvc, _ := newServices(w)

	_, err := settleSvc.MintCompleteSet(context.Background(), 10, 1, 5)
	require.NoError(t, err)
	_, err = settleSvc.RedeemCompleteSet(context.Background(), 10, 1, 5)
	require.NoError(t, err)

	pos := w.Position(1, 10)
	assert.EqualValues(t, 0, pos.YesQuantity)
	assert.EqualValues(t, 0, pos.NoQuantity)
	assert.True(t, pos.YesAvgCost.IsZero())
	assert.True(t, pos.NoAvgCost.IsZero())
	assert.EqualValues(t, 0, w.Markets[10].TotalSharesOutstanding)

	// 100 - 0.10 mint fee - 0.10 redeem fee.
	assert.True(t, w.Accounts[1].Balance.Equal(dec("99.80")), w.Accounts[1].Balance.String())
}

func TestRedeemRequiresBothSides(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	w.SeedPosition(1, 10, 5, 2, "50.00", "50.00")
	settleSvc, _ := newServices(w)

	_, err := settleSvc.RedeemCompleteSet(context.Background(), 10, 1, 5)
	var insufficient *trading.InsufficientPositionError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, types.ContractNo, insufficient.ContractType)
}

func TestMintRequiresFunds(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	settleSvc, _ := newServices(w)

	_, err := settleSvc.MintCompleteSet(context.Background(), 10, 1, 200)
	var insufficient *trading.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
}

func TestQueuedMintSetDrain(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	settleSvc, _ := newServices(w)

	order, err := settleSvc.EnqueueMintSet(context.Background(), 10, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, types.OrderTypeMintSet, order.OrderType)
	assert.True(t, w.Accounts[1].Reserved.Equal(dec("5.00")))

	ids, err := settleSvc.ClaimSetOrderIDs(context.Background(), 10, 50)
	require.NoError(t, err)
	require.Equal(t, []int64{order.ID}, ids)

	require.NoError(t, settleSvc.ProcessSetOrder(context.Background(), order.ID))

	assert.Equal(t, types.OrderStatusFilled, w.Order(order.ID).Status)
	assert.True(t, w.Accounts[1].Reserved.IsZero())
	assert.True(t, w.Accounts[1].Balance.Equal(dec("95.00")))

	pos := w.Position(1, 10)
	assert.EqualValues(t, 5, pos.YesQuantity)
	assert.EqualValues(t, 5, pos.NoQuantity)
	assert.EqualValues(t, 5, w.Markets[10].TotalSharesOutstanding)

	// Draining twice must be a no-op.
	require.NoError(t, settleSvc.ProcessSetOrder(context.Background(), order.ID))
	assert.True(t, w.Accounts[1].Balance.Equal(dec("95.00")))
}

func TestQueuedRedeemSetDrain(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "95.00")
	w.AddMarket(10)
	w.Markets[10].TotalSharesOutstanding = 5
	w.SeedPosition(1, 10, 5, 5, "50.00", "50.00")
	settleSvc, _ := newServices(w)

	order, err := settleSvc.EnqueueRedeemSet(context.Background(), 10, 1, 5)
	require.NoError(t, err)
	pos := w.Position(1, 10)
	assert.EqualValues(t, 5, pos.ReservedYes)
	assert.EqualValues(t, 5, pos.ReservedNo)

	require.NoError(t, settleSvc.ProcessSetOrder(context.Background(), order.ID))

	pos = w.Position(1, 10)
	assert.EqualValues(t, 0, pos.YesQuantity+pos.ReservedYes)
	assert.EqualValues(t, 0, pos.NoQuantity+pos.ReservedNo)
	assert.True(t, w.Accounts[1].Balance.Equal(dec("100.00")))
	assert.EqualValues(t, 0, w.Markets[10].TotalSharesOutstanding)
}

func TestCancelQueuedMintSetRefunds(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	settleSvc, matchSvc := newServices(w)

	order, err := settleSvc.EnqueueMintSet(context.Background(), 10, 1, 5)
	require.NoError(t, err)

	_, err = matchSvc.CancelOrder(context.Background(), 1, order.ID)
	require.NoError(t, err)
	assert.True(t, w.Accounts[1].Reserved.IsZero())
	assert.True(t, w.Accounts[1].Balance.Equal(dec("100.00")))
}

func TestCancelMarketReleasesEverything(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	w.SeedPosition(2, 10, 10, 0, "50.00", "0")
	settleSvc, matchSvc := newServices(w)

	_, _, err := matchSvc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID: 1, MarketID: 10,
		Side: types.OrderSideBuy, ContractType: types.ContractYes,
		OrderType: types.OrderTypeLimit, PriceCents: 40, Quantity: 5,
	})
	require.NoError(t, err)
	_, _, err = matchSvc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID: 2, MarketID: 10,
		Side: types.OrderSideSell, ContractType: types.ContractYes,
		OrderType: types.OrderTypeLimit, PriceCents: 60, Quantity: 10,
	})
	require.NoError(t, err)

	cancelled, err := settleSvc.CancelMarket(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)
	assert.True(t, w.Accounts[1].Reserved.IsZero())
	pos := w.Position(2, 10)
	assert.EqualValues(t, 10, pos.YesQuantity)
	assert.Equal(t, types.MarketStatusCancelled, w.Markets[10].Status)
}
