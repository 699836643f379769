// Package trading defines the typed domain errors shared by the matching
// engine, the settlement service and the AMM engines. A domain error means a
// precondition failed before any mutation; infrastructure failures are wrapped
// and surfaced separately by the store layers.
package trading

import (
	"fmt"

	"github.com/shopspring/decimal"
	"predmarket/internal/types"
)

type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2))
}

type InsufficientPositionError struct {
	Required     int64
	Available    int64
	ContractType types.ContractType
}

func (e *InsufficientPositionError) Error() string {
	return fmt.Sprintf("insufficient %s contracts: required %d, available %d",
		e.ContractType, e.Required, e.Available)
}

type InvalidPriceError struct {
	Value int
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("invalid price %d: must be between 1 and 99 cents", e.Value)
}

type InvalidQuantityError struct {
	Value int64
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d: must be a positive integer", e.Value)
}

type MarketNotActiveError struct {
	MarketID int64
	Status   types.MarketStatus
}

func (e *MarketNotActiveError) Error() string {
	return fmt.Sprintf("market %d is not active for trading (status %s)", e.MarketID, e.Status)
}

type MarketNotSettleableError struct {
	MarketID int64
	Status   types.MarketStatus
}

func (e *MarketNotSettleableError) Error() string {
	return fmt.Sprintf("market %d cannot be settled from status %s", e.MarketID, e.Status)
}

type OrderNotFoundError struct {
	ID int64
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %d not found", e.ID)
}

type OrderCancellationError struct {
	ID     int64
	Reason string
}

func (e *OrderCancellationError) Error() string {
	return fmt.Sprintf("cannot cancel order %d: %s", e.ID, e.Reason)
}

type SelfTradeError struct{}

func (e *SelfTradeError) Error() string { return "self-trading is not allowed" }

type InsufficientLiquidityError struct {
	Requested   int64
	Outstanding decimal.Decimal
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity: cannot sell %d shares, pool holds %s",
		e.Requested, e.Outstanding.StringFixed(4))
}

// TradeRejectedError carries the bookmaker admission-control reason.
type TradeRejectedError struct {
	Reason string
}

func (e *TradeRejectedError) Error() string { return "trade rejected: " + e.Reason }
