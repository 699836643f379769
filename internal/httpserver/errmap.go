package httpserver

import (
	"errors"
	"net/http"

	"predmarket/internal/httputil"
	"predmarket/internal/trading"
)

// writeDomainError translates the engine's typed failures into the stable
// {error, message} JSON shape. Anything untyped is an infrastructure failure.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		insufficientFunds     *trading.InsufficientFundsError
		insufficientPosition  *trading.InsufficientPositionError
		invalidPrice          *trading.InvalidPriceError
		invalidQuantity       *trading.InvalidQuantityError
		marketNotActive       *trading.MarketNotActiveError
		marketNotSettleable   *trading.MarketNotSettleableError
		orderNotFound         *trading.OrderNotFoundError
		orderCancellation     *trading.OrderCancellationError
		selfTrade             *trading.SelfTradeError
		insufficientLiquidity *trading.InsufficientLiquidityError
		tradeRejected         *trading.TradeRejectedError
	)
	switch {
	case errors.As(err, &insufficientFunds):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "insufficient_funds", Message: err.Error()})
	case errors.As(err, &insufficientPosition):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "insufficient_position", Message: err.Error()})
	case errors.As(err, &invalidPrice):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid_price", Message: err.Error()})
	case errors.As(err, &invalidQuantity):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid_quantity", Message: err.Error()})
	case errors.As(err, &marketNotActive):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "market_not_active", Message: err.Error()})
	case errors.As(err, &marketNotSettleable):
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: "market_not_settleable", Message: err.Error()})
	case errors.As(err, &orderNotFound):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "order_not_found", Message: err.Error()})
	case errors.As(err, &orderCancellation):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "order_cancellation", Message: err.Error()})
	case errors.As(err, &selfTrade):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "self_trade", Message: err.Error()})
	case errors.As(err, &insufficientLiquidity):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "insufficient_liquidity", Message: err.Error()})
	case errors.As(err, &tradeRejected):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "trade_rejected", Message: err.Error()})
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal_error"})
	}
}
