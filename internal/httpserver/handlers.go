package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"predmarket/internal/accounts"
	"predmarket/internal/amm"
	"predmarket/internal/auth"
	"predmarket/internal/httputil"
	"predmarket/internal/marketdata"
	"predmarket/internal/matching"
	"predmarket/internal/metrics"
	"predmarket/internal/model"
	"predmarket/internal/settlement"
	"predmarket/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handlers is the thin adapter over the trading core: decode, validate,
// dispatch, map errors.
type Handlers struct {
	orders   *matching.Service
	book     *matching.BookReader
	settle   *settlement.Service
	amm      *amm.Service
	accounts *accounts.Service
	market   *marketdata.Store
	metrics  *metrics.Metrics
}

func NewHandlers(orders *matching.Service, book *matching.BookReader, settle *settlement.Service, ammSvc *amm.Service, accountsSvc *accounts.Service, market *marketdata.Store, m *metrics.Metrics) *Handlers {
	return &Handlers{
		orders:   orders,
		book:     book,
		settle:   settle,
		amm:      ammSvc,
		accounts: accountsSvc,
		market:   market,
		metrics:  m,
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func badRequest(w http.ResponseWriter, msg string) {
	httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "bad_request", Message: msg})
}

type placeOrderRequest struct {
	Side         string `json:"side" validate:"required,oneof=buy sell"`
	ContractType string `json:"contract_type" validate:"required,oneof=yes no"`
	OrderType    string `json:"order_type" validate:"omitempty,oneof=limit market"`
	Price        int    `json:"price" validate:"omitempty,min=1,max=99"`
	Quantity     int64  `json:"quantity" validate:"required,min=1"`
}

type orderResponse struct {
	Order  model.Order   `json:"order"`
	Trades []model.Trade `json:"trades"`
}

func (h *Handlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
		return
	}
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	var req placeOrderRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	orderType := types.OrderType(req.OrderType)
	if orderType == "" {
		orderType = types.OrderTypeLimit
	}
	if orderType == types.OrderTypeLimit && req.Price == 0 {
		badRequest(w, "price is required for limit orders")
		return
	}

	order, trades, err := h.orders.PlaceOrder(r.Context(), matching.PlaceOrderInput{
		UserID:       userID,
		MarketID:     marketID,
		Side:         types.OrderSide(req.Side),
		ContractType: types.ContractType(req.ContractType),
		OrderType:    orderType,
		PriceCents:   req.Price,
		Quantity:     req.Quantity,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.metrics.OrdersPlaced.Inc()
	for _, t := range trades {
		h.metrics.TradesExecuted.WithLabelValues(string(t.TradeType)).Inc()
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	httputil.WriteJSON(w, http.StatusCreated, orderResponse{Order: order, Trades: trades})
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
		return
	}
	orderID, ok := pathID(r, "orderID")
	if !ok {
		badRequest(w, "invalid order id")
		return
	}
	order, err := h.orders.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.metrics.OrdersCancelled.Inc()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (h *Handlers) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))
	book, err := h.book.GetOrderBook(r.Context(), marketID, depth)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, book)
}

func (h *Handlers) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	tf := marketdata.ParseTimeframe(r.URL.Query().Get("timeframe"))
	points, err := h.market.GetPriceHistory(r.Context(), marketID, tf)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"market_id":     marketID,
		"timeframe":     tf,
		"price_history": points,
	})
}

func (h *Handlers) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	market, err := h.market.GetMarket(r.Context(), marketID)
	if err != nil {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "market_not_found"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, market)
}

func (h *Handlers) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status := types.MarketStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	markets, err := h.market.ListMarkets(r.Context(), status, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

func (h *Handlers) ListTrades(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := h.market.ListTrades(r.Context(), marketID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (h *Handlers) GetPosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
		return
	}
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	position, err := h.market.GetUserPosition(r.Context(), userID, marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, position)
}

type ammTradeRequest struct {
	Side         string `json:"side" validate:"required,oneof=buy sell"`
	ContractType string `json:"contract_type" validate:"required,oneof=yes no"`
	Quantity     int64  `json:"quantity" validate:"required,min=1"`
}

func (h *Handlers) AMMTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
		return
	}
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	var req ammTradeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	trade, err := h.amm.Execute(r.Context(), userID, marketID,
		types.OrderSide(req.Side), types.ContractType(req.ContractType), req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.metrics.AMMTrades.WithLabelValues(req.Side).Inc()
	httputil.WriteJSON(w, http.StatusCreated, trade)
}

func (h *Handlers) AMMQuote(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	var req ammTradeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	quote, err := h.amm.GetQuote(r.Context(), marketID,
		types.OrderSide(req.Side), types.ContractType(req.ContractType), req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, quote)
}

type mintRedeemRequest struct {
	Quantity int64 `json:"quantity" validate:"required,min=1"`
	Queued   bool  `json:"queued"`
}

func (h *Handlers) Mint(w http.ResponseWriter, r *http.Request) {
	h.completeSet(w, r, true)
}

func (h *Handlers) Redeem(w http.ResponseWriter, r *http.Request) {
	h.completeSet(w, r, false)
}

func (h *Handlers) completeSet(w http.ResponseWriter, r *http.Request, mint bool) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
		return
	}
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	var req mintRedeemRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Queued {
		var (
			order model.Order
			err   error
		)
		if mint {
			order, err = h.settle.EnqueueMintSet(r.Context(), marketID, userID, req.Quantity)
		} else {
			order, err = h.settle.EnqueueRedeemSet(r.Context(), marketID, userID, req.Quantity)
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, map[string]any{"order": order})
		return
	}
	var (
		stats settlement.CompleteSetStats
		err   error
	)
	if mint {
		stats, err = h.settle.MintCompleteSet(r.Context(), marketID, userID, req.Quantity)
	} else {
		stats, err = h.settle.RedeemCompleteSet(r.Context(), marketID, userID, req.Quantity)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, stats)
}

type depositRequest struct {
	Amount string `json:"amount" validate:"required"`
}

func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	h.cashFlow(w, r, true)
}

func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.cashFlow(w, r, false)
}

func (h *Handlers) cashFlow(w http.ResponseWriter, r *http.Request, deposit bool) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
		return
	}
	var req depositRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		badRequest(w, "invalid amount")
		return
	}
	if deposit {
		err = h.accounts.Deposit(r.Context(), userID, amount)
	} else {
		err = h.accounts.Withdraw(r.Context(), userID, amount)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	account, err := h.accounts.GetAccount(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, account)
}

func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
		return
	}
	account, err := h.accounts.GetAccount(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"balance":   account.Balance,
		"reserved":  account.Reserved,
		"available": account.Available(),
	})
}

func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := h.accounts.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}
