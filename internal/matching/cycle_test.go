package matching_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predmarket/internal/enginetest"
	"predmarket/internal/types"
)

// Full cycle: two buyers mint, one side changes hands directly, then the
// holders merge their pair back into collateral. Shares outstanding must track
// mints minus merges throughout and every trade stays inside the price band.
func TestFullTradingCycle(t *testing.T) {
	w := enginetest.NewWorld()
	w.AddAccount(1, "100.00")
	w.AddAccount(2, "100.00")
	w.AddAccount(3, "100.00")
	w.AddMarket(10)
	svc := newService(w)

	// Step 1: mint (user1 buys YES, user2 buys NO).
	place(t, svc, 1, 10, types.OrderSideBuy, types.ContractYes, 60, 10)
	_, mintTrades := place(t, svc, 2, 10, types.OrderSideBuy, types.ContractNo, 40, 10)
	require.Len(t, mintTrades, 1)
	require.Equal(t, types.TradeTypeMint, mintTrades[0].TradeType)
	assert.EqualValues(t, 10, w.Markets[10].TotalSharesOutstanding)

	// Step 2: direct trade (user1 sells 3 YES to user3 with price improvement).
	place(t, svc, 1, 10, types.OrderSideSell, types.ContractYes, 60, 3)
	_, directTrades := place(t, svc, 3, 10, types.OrderSideBuy, types.ContractYes, 65, 3)
	require.Len(t, directTrades, 1)
	assert.Equal(t, types.TradeTypeDirect, directTrades[0].TradeType)
	assert.Equal(t, 60, directTrades[0].PriceCents)

	pos1 := w.Position(1, 10)
	pos3 := w.Position(3, 10)
	assert.EqualValues(t, 7, pos1.YesQuantity)
	assert.EqualValues(t, 3, pos3.YesQuantity)
	// A direct trade moves shares, not collateral.
	assert.EqualValues(t, 10, w.Markets[10].TotalSharesOutstanding)

	// Step 3: merge (user1 sells 5 YES, user2 sells 5 NO).
	place(t, svc, 1, 10, types.OrderSideSell, types.ContractYes, 55, 5)
	_, mergeTrades := place(t, svc, 2, 10, types.OrderSideSell, types.ContractNo, 45, 5)
	require.Len(t, mergeTrades, 1)
	assert.Equal(t, types.TradeTypeMerge, mergeTrades[0].TradeType)
	assert.EqualValues(t, 5, w.Markets[10].TotalSharesOutstanding)

	// Share conservation: YES in existence equals NO in existence equals the
	// outstanding counter.
	var yesTotal, noTotal int64
	for _, userID := range []int64{1, 2, 3} {
		p := w.Position(userID, 10)
		yesTotal += p.YesQuantity + p.ReservedYes
		noTotal += p.NoQuantity + p.ReservedNo
	}
	assert.EqualValues(t, 5, yesTotal)
	assert.EqualValues(t, 5, noTotal)

	// Price band held on every fill.
	for _, tr := range w.Trades {
		assert.GreaterOrEqual(t, tr.PriceCents, 1)
		assert.LessOrEqual(t, tr.PriceCents, 99)
	}
	assert.Equal(t, 100, w.Markets[10].LastYesPrice+w.Markets[10].LastNoPrice)

	// Monetary conservation: the cash that left the users equals the collateral
	// still locked plus the fees the market collected.
	totalCash := decimal.Zero
	for _, userID := range []int64{1, 2, 3} {
		totalCash = totalCash.Add(w.Accounts[userID].Balance)
	}
	// Mint moved 10 dollars of cash into collateral, the merge released 5;
	// the legs summed to exactly one dollar each, so beyond the still-locked
	// collateral the only cash that left the users is the collected fees.
	locked := decimal.NewFromInt(w.Markets[10].TotalSharesOutstanding)
	spent := decimal.NewFromInt(300).Sub(totalCash)
	assert.True(t, spent.Sub(locked).Equal(w.Markets[10].FeesCollected),
		"cash out %s = locked %s + fees %s", spent, locked, w.Markets[10].FeesCollected)
}
