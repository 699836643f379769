package matching_test

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
	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

func newService(w *enginetest.World) *matching.Service {
	svc := matching.NewService(enginetest.DB{}, w, w, zap.NewNop())
	svc.SetClock(func() time.Time { return w.Now })
	return svc
}

func place(t *testing.T, svc *matching.Service, userID, marketID int64, side types.OrderSide, ct types.ContractType, price int, qty int64) (model.Order, []model.Trade) {
	t.Helper()
	order, trades, err := svc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID:       userID,
		MarketID:     marketID,
		Side:         side,
		ContractType: ct,
		OrderType:    types.OrderTypeLimit,
		PriceCents:   price,
		Quantity:     qty,
	})
	require.NoError(t, err)
	return order, trades
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDirectMatchWithPriceImprovement(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00") // buyer A
	w.AddAccount(2, "100.00") // seller B
	w.AddMarket(10)
	w.SeedPosition(2, 10, 10, 0, "40.00", "0")

	svc := newService(w)

	sellOrder, trades := place(t, svc, 2, 10, types.OrderSideSell, types.ContractYes, 45, 5)
	require.Empty(t, trades)
	assert.Equal(t, types.OrderStatusOpen, w.Order(sellOrder.ID).Status)

	buyOrder, trades := place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 55, 5)
	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, types.TradeTypeDirect, trade.TradeType)
	assert.Equal(t, 45, trade.PriceCents)
	assert.EqualValues(t, 5, trade.Quantity)
	assert.NotEqual(t, trade.BuyerID, trade.SellerID)

	assert.Equal(t, types.OrderStatusFilled, w.Order(buyOrder.ID).Status)
	assert.Equal(t, types.OrderStatusFilled, w.Order(sellOrder.ID).Status)

	// Buyer paid the maker's price: 5 x 45c, with the 55c reservation fully
	// released. Balance 100 - 2.25, nothing left reserved.
	buyer := w.Accounts[1]
	assert.True(t, buyer.Balance.Equal(dec("97.75")), buyer.Balance.String())
	assert.True(t, buyer.Reserved.IsZero())

	// Seller received 2.25 minus the 2% fee of 0.05 (rounded).
	seller := w.Accounts[2]
	assert.True(t, seller.Balance.Equal(dec("102.20")), seller.Balance.String())

	buyerPos := w.Position(1, 10)
	assert.EqualValues(t, 5, buyerPos.YesQuantity)
	assert.True(t, buyerPos.YesAvgCost.Equal(dec("45.00")))

	sellerPos := w.Position(2, 10)
	assert.EqualValues(t, 5, sellerPos.YesQuantity)
	assert.True(t, sellerPos.RealizedPnL.Equal(dec("0.25")), sellerPos.RealizedPnL.String())

	market := w.Markets[10]
	assert.Equal(t, 45, market.LastYesPrice)
	assert.Equal(t, 55, market.LastNoPrice)
	assert.EqualValues(t, 5, market.TotalVolume)
}

func TestMintMatchCreatesShares(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	svc := newService(w)

	yesOrder, trades := place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 60, 10)
	require.Empty(t, trades)

	_, trades = place(t, svc, 2, 10, types.OrderSideBuy, types.ContractNo, 40, 10)
	require.Len(t, trades, 1)
	assert.Equal(t, types.TradeTypeMint, trades[0].TradeType)
	assert.EqualValues(t, 10, trades[0].Quantity)
	assert.Equal(t, 60, trades[0].PriceCents)

	assert.EqualValues(t, 10, w.Markets[10].TotalSharesOutstanding)
	assert.Equal(t, types.OrderStatusFilled, w.Order(yesOrder.ID).Status)

	// Each buyer pays their own limit price plus the 2% fee.
	assert.True(t, w.Accounts[1].Balance.Equal(dec("93.88")), w.Accounts[1].Balance.String())
	assert.True(t, w.Accounts[2].Balance.Equal(dec("95.92")), w.Accounts[2].Balance.String())
	assert.True(t, w.Accounts[1].Reserved.IsZero())
	assert.True(t, w.Accounts[2].Reserved.IsZero())

	posA := w.Position(1, 10)
	assert.EqualValues(t, 10, posA.YesQuantity)
	assert.EqualValues(t, 0, posA.NoQuantity)
	assert.True(t, posA.YesAvgCost.Equal(dec("60.00")))

	posB := w.Position(2, 10)
	assert.EqualValues(t, 10, posB.NoQuantity)
	assert.True(t, posB.NoAvgCost.Equal(dec("40.00")))
}

func TestMintRefusedWhenPricesSumUnderDollar(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	svc := newService(w)

	a, trades := place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 40, 5)
	require.Empty(t, trades)
	b, trades := place(t, svc, 2, 10, types.OrderSideBuy, types.ContractNo, 40, 5)
	require.Empty(t, trades)

	assert.Equal(t, types.OrderStatusOpen, w.Order(a.ID).Status)
	assert.Equal(t, types.OrderStatusOpen, w.Order(b.ID).Status)
	assert.EqualValues(t, 0, w.Markets[10].TotalSharesOutstanding)
}

func TestMergeMatchBurnsShares(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "94.00")
	w.AddAccount(2, "96.00")
	w.AddMarket(10)
	w.Markets[10].TotalSharesOutstanding = 10
	w.SeedPosition(1, 10, 10, 0, "60.00", "0")
	w.SeedPosition(2, 10, 0, 10, "0", "40.00")
	svc := newService(w)

	_, trades := place(t, svc, 1, 10, types.OrderSideSell, types.ContractYes, 55, 10)
	require.Empty(t, trades)
	_, trades = place(t, svc, 2, 10, types.OrderSideSell, types.ContractNo, 45, 10)
	require.Len(t, trades, 1)
	assert.Equal(t, types.TradeTypeMerge, trades[0].TradeType)

	assert.EqualValues(t, 0, w.Markets[10].TotalSharesOutstanding)

	// Each seller receives their ask minus the 2% fee.
	assert.True(t, w.Accounts[1].Balance.Equal(dec("99.39")), w.Accounts[1].Balance.String())
	assert.True(t, w.Accounts[2].Balance.Equal(dec("100.41")), w.Accounts[2].Balance.String())

	posA := w.Position(1, 10)
	assert.EqualValues(t, 0, posA.YesQuantity+posA.ReservedYes)
	assert.True(t, posA.YesAvgCost.IsZero())
	assert.True(t, posA.RealizedPnL.Equal(dec("-0.50")), posA.RealizedPnL.String())

	posB := w.Position(2, 10)
	assert.EqualValues(t, 0, posB.NoQuantity+posB.ReservedNo)
	assert.True(t, posB.RealizedPnL.Equal(dec("0.50")), posB.RealizedPnL.String())
}

func TestMergeRefusedWhenPricesSumOverDollar(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	w.SeedPosition(1, 10, 10, 0, "50.00", "0")
	w.SeedPosition(2, 10, 0, 10, "0", "50.00")
	svc := newService(w)

	_, trades := place(t, svc, 1, 10, types.OrderSideSell, types.ContractYes, 60, 5)
	require.Empty(t, trades)
	b, trades := place(t, svc, 2, 10, types.OrderSideSell, types.ContractNo, 60, 5)
	require.Empty(t, trades)
	assert.Equal(t, types.OrderStatusOpen, w.Order(b.ID).Status)
}

func TestDirectMatchBeatsMint(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00") // A: incoming buyer
	w.AddAccount(2, "100.00") // B: resting NO buyer
	w.AddAccount(3, "100.00") // C: resting YES seller
	w.AddMarket(10)
	w.SeedPosition(3, 10, 10, 0, "40.00", "0")
	svc := newService(w)

	_, trades := place(t, svc, 3, 10, types.OrderSideSell, types.ContractYes, 55, 5)
	require.Empty(t, trades)
	bOrder, trades := place(t, svc, 2, 10, types.OrderSideBuy, types.ContractNo, 50, 5)
	require.Empty(t, trades)

	_, trades = place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 60, 5)
	require.Len(t, trades, 1)
	assert.Equal(t, types.TradeTypeDirect, trades[0].TradeType)
	assert.Equal(t, 55, trades[0].PriceCents)
	assert.Equal(t, types.OrderStatusOpen, w.Order(bOrder.ID).Status)
}

func TestPartialFillLeavesOrderWorking(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	w.SeedPosition(2, 10, 3, 0, "40.00", "0")
	svc := newService(w)

	place(t, svc, 2, 10, types.OrderSideSell, types.ContractYes, 50, 3)
	buyOrder, trades := place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 50, 5)
	require.Len(t, trades, 1)
	assert.EqualValues(t, 3, trades[0].Quantity)

	stored := w.Order(buyOrder.ID)
	assert.Equal(t, types.OrderStatusPartiallyFilled, stored.Status)
	assert.EqualValues(t, 3, stored.FilledQuantity)

	// Remaining 2 contracts stay reserved at the limit price.
	assert.True(t, w.Accounts[1].Reserved.Equal(dec("1.00")), w.Accounts[1].Reserved.String())
}

func TestNoSelfTrade(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	w.SeedPosition(1, 10, 10, 0, "50.00", "0")
	svc := newService(w)

	buy, trades := place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 60, 5)
	require.Empty(t, trades)
	_, trades = place(t, svc, 1, 10, types.OrderSideSell, types.ContractYes, 55, 5)
	require.Empty(t, trades)
	assert.Equal(t, types.OrderStatusOpen, w.Order(buy.ID).Status)
	for _, tr := range w.Trades {
		assert.NotEqual(t, tr.BuyerID, tr.SellerID)
	}
}

func TestPriceTimePriority(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddAccount(3, "100.00")
	w.AddAccount(4, "100.00")
	w.AddMarket(10)
	w.SeedPosition(2, 10, 10, 0, "40.00", "0")
	w.SeedPosition(3, 10, 10, 0, "40.00", "0")
	svc := newService(w)

	// Same price: the earlier ask must fill first.
	first, _ := place(t, svc, 2, 10, types.OrderSideSell, types.ContractYes, 50, 5)
	second, _ := place(t, svc, 3, 10, types.OrderSideSell, types.ContractYes, 50, 5)

	_, trades := place(t, svc, 4, 10, types.OrderSideBuy, types.ContractYes, 50, 5)
	require.Len(t, trades, 1)
	assert.Equal(t, first.ID, trades[0].SellOrderID)
	assert.Equal(t, types.OrderStatusOpen, w.Order(second.ID).Status)

	// Better price beats age: a cheaper ask jumps the queue.
	cheap, _ := place(t, svc, 3, 10, types.OrderSideSell, types.ContractYes, 45, 5)
	_, trades = place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 50, 5)
	require.Len(t, trades, 1)
	assert.Equal(t, cheap.ID, trades[0].SellOrderID)
	assert.Equal(t, 45, trades[0].PriceCents)
}

func TestInsufficientFundsRejectedWithoutMutation(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "1.00")
	w.AddMarket(10)
	svc := newService(w)

	_, _, err := svc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID: 1, MarketID: 10,
		Side: types.OrderSideBuy, ContractType: types.ContractYes,
		OrderType: types.OrderTypeLimit, PriceCents: 50, Quantity: 10,
	})
	var insufficient *trading.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.Equal(dec("5.00")))
	assert.True(t, w.Accounts[1].Reserved.IsZero())
	assert.Empty(t, w.Orders)
}

func TestInsufficientPositionRejected(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	svc := newService(w)

	_, _, err := svc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID: 1, MarketID: 10,
		Side: types.OrderSideSell, ContractType: types.ContractYes,
		OrderType: types.OrderTypeLimit, PriceCents: 50, Quantity: 10,
	})
	var insufficient *trading.InsufficientPositionError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, types.ContractYes, insufficient.ContractType)
}

func TestMarketNotActiveRejected(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	w.Markets[10].Status = types.MarketStatusHalted
	svc := newService(w)

	_, _, err := svc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID: 1, MarketID: 10,
		Side: types.OrderSideBuy, ContractType: types.ContractYes,
		OrderType: types.OrderTypeLimit, PriceCents: 50, Quantity: 1,
	})
	var notActive *trading.MarketNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, types.MarketStatusHalted, notActive.Status)
}

func TestInvalidPriceAndQuantityRejected(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	svc := newService(w)

	_, _, err := svc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID: 1, MarketID: 10,
		Side: types.OrderSideBuy, ContractType: types.ContractYes,
		OrderType: types.OrderTypeLimit, PriceCents: 100, Quantity: 1,
	})
	var invalidPrice *trading.InvalidPriceError
	require.ErrorAs(t, err, &invalidPrice)

	_, _, err = svc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID: 1, MarketID: 10,
		Side: types.OrderSideBuy, ContractType: types.ContractYes,
		OrderType: types.OrderTypeLimit, PriceCents: 50, Quantity: 0,
	})
	var invalidQty *trading.InvalidQuantityError
	require.ErrorAs(t, err, &invalidQty)
}

func TestCancelReleasesExactReservation(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	svc := newService(w)

	order, _ := place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 40, 10)
	assert.True(t, w.Accounts[1].Reserved.Equal(dec("4.00")))

	cancelled, err := svc.CancelOrder(context.Background(), 1, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, cancelled.Status)
	assert.True(t, w.Accounts[1].Reserved.IsZero())
	assert.True(t, w.Accounts[1].Balance.Equal(dec("100.00")))
}

func TestCancelReturnsReservedShares(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	w.SeedPosition(1, 10, 10, 0, "50.00", "0")
	svc := newService(w)

	order, _ := place(t, svc, 1, 10, types.OrderSideSell, types.ContractYes, 60, 10)
	pos := w.Position(1, 10)
	assert.EqualValues(t, 0, pos.YesQuantity)
	assert.EqualValues(t, 10, pos.ReservedYes)

	_, err := svc.CancelOrder(context.Background(), 1, order.ID)
	require.NoError(t, err)
	pos = w.Position(1, 10)
	assert.EqualValues(t, 10, pos.YesQuantity)
	assert.EqualValues(t, 0, pos.ReservedYes)
}

func TestCancelRejectsForeignAndUnknownOrders(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	svc := newService(w)

	order, _ := place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 40, 10)

	_, err := svc.CancelOrder(context.Background(), 2, order.ID)
	var cancelErr *trading.OrderCancellationError
	require.ErrorAs(t, err, &cancelErr)

	_, err = svc.CancelOrder(context.Background(), 1, 999)
	var notFound *trading.OrderNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestMarketOrderUsesBestOppositeQuote(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	w.SeedPosition(2, 10, 10, 0, "40.00", "0")
	svc := newService(w)

	place(t, svc, 2, 10, types.OrderSideSell, types.ContractYes, 47, 5)

	order, trades, err := svc.PlaceOrder(context.Background(), matching.PlaceOrderInput{
		UserID: 1, MarketID: 10,
		Side: types.OrderSideBuy, ContractType: types.ContractYes,
		OrderType: types.OrderTypeMarket, Quantity: 5,
	})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 47, trades[0].PriceCents)
	assert.Equal(t, 47, order.PriceCents())
}

func TestQuoteCacheRecomputedAfterPlacementAndCancel(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddMarket(10)
	svc := newService(w)

	order, _ := place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 42, 5)
	require.NotNil(t, w.Markets[10].BestYesBid)
	assert.Equal(t, 42, *w.Markets[10].BestYesBid)

	_, err := svc.CancelOrder(context.Background(), 1, order.ID)
	require.NoError(t, err)
	assert.Nil(t, w.Markets[10].BestYesBid)
}

func TestTransactionAmountsSumToAvailableDelta(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	w.SeedPosition(2, 10, 10, 0, "40.00", "0")
	svc := newService(w)

	place(t, svc, 2, 10, types.OrderSideSell, types.ContractYes, 45, 5)
	place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 55, 5)

	for _, userID := range []int64{1, 2} {
		sum := decimal.Zero
		for _, tx := range w.TransactionsOf(userID) {
			assert.True(t, tx.BalanceAfter.Sub(tx.BalanceBefore).Equal(tx.Amount),
				"transaction %d brackets must match the amount", tx.ID)
			sum = sum.Add(tx.Amount)
		}
		available := w.Accounts[userID].Available()
		assert.True(t, dec("100.00").Add(sum).Equal(available),
			"user %d: start + sum(amounts) = %s, available = %s", userID, dec("100.00").Add(sum), available)
	}
}

func TestRematchOrderClearsCross(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddMarket(10)
	w.SeedPosition(2, 10, 10, 0, "40.00", "0")
	svc := newService(w)

	buy, _ := place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 45, 5)
	sell, _ := place(t, svc, 2, 10, types.OrderSideSell, types.ContractYes, 50, 5)
	require.Equal(t, types.OrderStatusOpen, w.Order(buy.ID).Status)

	// Simulate a cross that formed after placement (the race the background
	// engine exists for) by repricing the resting ask below the bid.
	w.Orders[sell.ID].Price = dec("0.45")

	executed, err := svc.RematchOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, executed)
	assert.Equal(t, types.OrderStatusFilled, w.Order(buy.ID).Status)
	assert.Equal(t, types.OrderStatusFilled, w.Order(sell.ID).Status)
}
