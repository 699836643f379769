package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"predmarket/internal/model"
	"predmarket/internal/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyBuyWeightsAvgCost(t *testing.T) {
	p := model.Position{YesQuantity: 10, YesAvgCost: dec("40.00")}

	p = applyBuy(p, types.ContractYes, 5, dec("55"))
	assert.EqualValues(t, 15, p.YesQuantity)
	// (10*40 + 5*55) / 15 = 45
	assert.True(t, p.YesAvgCost.Equal(dec("45.00")), p.YesAvgCost.String())
}

func TestApplyBuyFromFlatSetsPriceAsBasis(t *testing.T) {
	var p model.Position
	p = applyBuy(p, types.ContractNo, 7, dec("33"))
	assert.True(t, p.NoAvgCost.Equal(dec("33.00")))
	assert.EqualValues(t, 7, p.NoQuantity)
}

func TestApplyBuyCountsReservedInWeight(t *testing.T) {
	p := model.Position{YesQuantity: 2, ReservedYes: 8, YesAvgCost: dec("40.00")}
	p = applyBuy(p, types.ContractYes, 10, dec("60"))
	// (10*40 + 10*60) / 20 = 50, over the full holding.
	assert.True(t, p.YesAvgCost.Equal(dec("50.00")), p.YesAvgCost.String())
	assert.EqualValues(t, 12, p.YesQuantity)
}

func TestRealizePnL(t *testing.T) {
	p := model.Position{YesQuantity: 10, YesAvgCost: dec("40.00")}
	p = realizePnL(p, types.ContractYes, 5, dec("45"))
	// 5 * (45-40) / 100 = 0.25
	assert.True(t, p.RealizedPnL.Equal(dec("0.25")), p.RealizedPnL.String())

	p = realizePnL(p, types.ContractYes, 5, dec("30"))
	// 0.25 + 5 * (30-40)/100 = -0.25
	assert.True(t, p.RealizedPnL.Equal(dec("-0.25")), p.RealizedPnL.String())
}

func TestZeroAvgCostIfFlat(t *testing.T) {
	p := model.Position{YesAvgCost: dec("45.00"), NoQuantity: 3, NoAvgCost: dec("55.00")}
	p = zeroAvgCostIfFlat(p)
	assert.True(t, p.YesAvgCost.IsZero())
	assert.True(t, p.NoAvgCost.Equal(dec("55.00")))

	p.NoQuantity = 0
	p = zeroAvgCostIfFlat(p)
	assert.True(t, p.NoAvgCost.IsZero())
}

func TestWeightedCostRoundsToCents(t *testing.T) {
	// (3*33.33 + 1*50) / 4 = 37.4975 -> 37.50
	got := weightedCost(3, dec("33.33"), 1, dec("50"), 4)
	assert.True(t, got.Equal(dec("37.50")), got.String())
}
