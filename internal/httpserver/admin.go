package httpserver

import (
	"net/http"
	"time"

	"predmarket/internal/httputil"
	"predmarket/internal/marketdata"
	"predmarket/internal/types"
)

// Admin handlers sit behind the internal token: settlement, halting and
// market/event creation.

type settleRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=yes no"`
}

func (h *Handlers) AdminSettleMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	var req settleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	stats, err := h.settle.SettleMarket(r.Context(), marketID, types.Outcome(req.Outcome))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handlers) AdminHaltMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	if err := h.settle.HaltMarket(r.Context(), marketID); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"market_id": marketID, "status": types.MarketStatusHalted})
}

func (h *Handlers) AdminCancelMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(r, "marketID")
	if !ok {
		badRequest(w, "invalid market id")
		return
	}
	cancelled, err := h.settle.CancelMarket(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"market_id":        marketID,
		"status":           types.MarketStatusCancelled,
		"orders_cancelled": cancelled,
	})
}

type createAccountRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
}

func (h *Handlers) AdminCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	account, err := h.accounts.CreateAccount(r.Context(), req.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, account)
}

type createEventRequest struct {
	Title         string    `json:"title" validate:"required"`
	Slug          string    `json:"slug" validate:"required"`
	CategoryID    *int64    `json:"category_id"`
	TradingStarts time.Time `json:"trading_starts" validate:"required"`
	TradingEnds   time.Time `json:"trading_ends" validate:"required,gtfield=TradingStarts"`
}

func (h *Handlers) AdminCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	id, err := h.market.CreateEvent(r.Context(), marketdata.CreateEventInput{
		CategoryID:    req.CategoryID,
		Title:         req.Title,
		Slug:          req.Slug,
		TradingStarts: req.TradingStarts,
		TradingEnds:   req.TradingEnds,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"event_id": id})
}

type createMarketRequest struct {
	EventID    int64  `json:"event_id" validate:"required,min=1"`
	Title      string `json:"title" validate:"required"`
	Slug       string `json:"slug" validate:"required"`
	AMMEnabled bool   `json:"amm_enabled"`
}

func (h *Handlers) AdminCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	id, err := h.market.CreateMarket(r.Context(), marketdata.CreateMarketInput{
		EventID:    req.EventID,
		Title:      req.Title,
		Slug:       req.Slug,
		AMMEnabled: req.AMMEnabled,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"market_id": id})
}
