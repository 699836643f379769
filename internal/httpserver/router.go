package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"predmarket/internal/auth"
	"predmarket/internal/health"
	"predmarket/internal/httputil"
	"predmarket/internal/metrics"
)

type RouterDeps struct {
	Handlers      *Handlers
	HealthHandler *health.Handler
	AuthService   *auth.Service
	Metrics       *metrics.Metrics
	InternalToken string
	Logger        *zap.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(Observe(d.Logger, d.Metrics))

	r.Get("/health", d.HealthHandler.Get)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Get("/health/ready", d.HealthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		// Public market views.
		r.Get("/markets", d.Handlers.ListMarkets)
		r.Get("/markets/{marketID}", d.Handlers.GetMarket)
		r.Get("/markets/{marketID}/orderbook", d.Handlers.GetOrderBook)
		r.Get("/markets/{marketID}/price-history", d.Handlers.GetPriceHistory)
		r.Get("/markets/{marketID}/trades", d.Handlers.ListTrades)

		// Trading operations.
		r.Group(func(r chi.Router) {
			r.Use(d.AuthService.Middleware)
			r.Post("/markets/{marketID}/orders", d.Handlers.PlaceOrder)
			r.Delete("/orders/{orderID}", d.Handlers.CancelOrder)
			r.Post("/markets/{marketID}/amm/trade", d.Handlers.AMMTrade)
			r.Post("/markets/{marketID}/amm/quote", d.Handlers.AMMQuote)
			r.Post("/markets/{marketID}/mint", d.Handlers.Mint)
			r.Post("/markets/{marketID}/redeem", d.Handlers.Redeem)
			r.Get("/markets/{marketID}/position", d.Handlers.GetPosition)
			r.Get("/balance", d.Handlers.GetBalance)
			r.Post("/deposit", d.Handlers.Deposit)
			r.Post("/withdraw", d.Handlers.Withdraw)
			r.Get("/transactions", d.Handlers.ListTransactions)
		})

		// Operator surface.
		r.Group(func(r chi.Router) {
			r.Use(RequireInternalToken(d.InternalToken))
			r.Post("/admin/accounts", d.Handlers.AdminCreateAccount)
			r.Post("/admin/token", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					UserID int64 `json:"user_id"`
				}
				if err := httputil.DecodeJSON(r, &req); err != nil || req.UserID <= 0 {
					httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "bad_request"})
					return
				}
				token, err := d.AuthService.IssueToken(req.UserID)
				if err != nil {
					httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal_error"})
					return
				}
				httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
			})
			r.Post("/admin/events", d.Handlers.AdminCreateEvent)
			r.Post("/admin/markets", d.Handlers.AdminCreateMarket)
			r.Post("/admin/markets/{marketID}/settle", d.Handlers.AdminSettleMarket)
			r.Post("/admin/markets/{marketID}/halt", d.Handlers.AdminHaltMarket)
			r.Post("/admin/markets/{marketID}/cancel", d.Handlers.AdminCancelMarket)
		})
	})

	return r
}
