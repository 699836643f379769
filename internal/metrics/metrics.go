// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	OrdersPlaced    prometheus.Counter
	OrdersCancelled prometheus.Counter
	TradesExecuted  *prometheus.CounterVec
	AMMTrades       *prometheus.CounterVec
	WorkerSweeps    prometheus.Counter
	WorkerMatches   prometheus.Counter
	WorkerDrained   prometheus.Counter
	WorkerErrors    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "predmarket_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "predmarket_orders_placed_total",
			Help: "Orders accepted by the matching service.",
		}),
		OrdersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "predmarket_orders_cancelled_total",
			Help: "Orders cancelled by their owner.",
		}),
		TradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "predmarket_trades_executed_total",
			Help: "Book trades by type (direct, mint, merge).",
		}, []string{"type"}),
		AMMTrades: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "predmarket_amm_trades_total",
			Help: "AMM trades by side.",
		}, []string{"side"}),
		WorkerSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "predmarket_worker_sweeps_total",
			Help: "Background engine sweeps completed.",
		}),
		WorkerMatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "predmarket_worker_matches_total",
			Help: "Trades executed by the background engine.",
		}),
		WorkerDrained: factory.NewCounter(prometheus.CounterOpts{
			Name: "predmarket_worker_set_orders_total",
			Help: "Queued mint/redeem set orders drained.",
		}),
		WorkerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "predmarket_worker_errors_total",
			Help: "Errors hit by the background engine loop.",
		}),
	}
}
