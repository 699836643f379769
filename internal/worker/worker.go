// Package worker runs the background engine loop: it re-matches resting
// orders to clear crosses that appeared after placement and drains the queued
// mint_set/redeem_set requests. Zero or one instance is the normal deployment;
// running more is safe because order claims use FOR UPDATE SKIP LOCKED and
// every mutation is a serializable transaction.
package worker

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"predmarket/internal/db"
	"predmarket/internal/matching"
	"predmarket/internal/metrics"
	"predmarket/internal/settlement"
	"predmarket/internal/types"
)

const claimBatch = 50

type Engine struct {
	db         db.DB
	store      *matching.SQLStore
	matchSvc   *matching.Service
	settleSvc  *settlement.Service
	metrics    *metrics.Metrics
	log        *zap.Logger
	sweepEvery time.Duration
}

func NewEngine(database db.DB, store *matching.SQLStore, matchSvc *matching.Service, settleSvc *settlement.Service, m *metrics.Metrics, log *zap.Logger, sweepEvery time.Duration) *Engine {
	if sweepEvery <= 0 {
		sweepEvery = 300 * time.Millisecond
	}
	return &Engine{
		db:         database,
		store:      store,
		matchSvc:   matchSvc,
		settleSvc:  settleSvc,
		metrics:    m,
		log:        log,
		sweepEvery: sweepEvery,
	}
}

// Run sweeps until the context is cancelled, sleeping between idle passes.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("engine loop started", zap.Duration("sweep_interval", e.sweepEvery))
	for {
		processed, err := e.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.log.Info("engine loop stopped")
				return
			}
			e.metrics.WorkerErrors.Inc()
			e.log.Warn("engine sweep failed", zap.Error(err))
		}
		e.metrics.WorkerSweeps.Inc()

		delay := e.sweepEvery
		if processed > 0 {
			// Keep draining while there is work.
			delay = 0
		}
		select {
		case <-ctx.Done():
			e.log.Info("engine loop stopped")
			return
		case <-time.After(delay):
		}
	}
}

// Sweep makes one pass over the active markets and returns how many actions
// (matches plus drained set orders) it performed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	marketIDs, err := e.activeMarkets(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, marketID := range marketIDs {
		n, err := e.sweepMarket(ctx, marketID)
		total += n
		if err != nil {
			return total, err
		}
	}
	if err := e.db.WithSerializableTx(ctx, e.refreshVolumes(ctx)); err != nil {
		return total, err
	}
	return total, nil
}

func (e *Engine) refreshVolumes(ctx context.Context) func(pgx.Tx) error {
	return func(tx pgx.Tx) error {
		return e.store.RefreshDailyVolumes(ctx, tx)
	}
}

func (e *Engine) sweepMarket(ctx context.Context, marketID int64) (int, error) {
	processed := 0

	// Pass 1: re-enter the matching loop for resting limit and market orders,
	// oldest first, so crosses that formed between reservation and match are
	// cleared in time priority.
	orderIDs, err := e.claimOrders(ctx, marketID, []types.OrderType{types.OrderTypeLimit, types.OrderTypeMarket})
	if err != nil {
		return processed, err
	}
	for _, id := range orderIDs {
		executed, err := e.matchSvc.RematchOrder(ctx, id)
		if err != nil {
			return processed, err
		}
		if executed > 0 {
			processed += executed
			e.metrics.WorkerMatches.Add(float64(executed))
			e.log.Debug("cleared cross", zap.Int64("order_id", id), zap.Int("trades", executed))
		}
	}

	// Pass 2: drain queued complete-set requests.
	setIDs, err := e.settleSvc.ClaimSetOrderIDs(ctx, marketID, claimBatch)
	if err != nil {
		return processed, err
	}
	for _, id := range setIDs {
		if err := e.settleSvc.ProcessSetOrder(ctx, id); err != nil {
			return processed, err
		}
		processed++
		e.metrics.WorkerDrained.Inc()
	}
	return processed, nil
}

func (e *Engine) activeMarkets(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := e.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		var err error
		ids, err = e.store.ListActiveMarketIDs(ctx, tx)
		return err
	})
	return ids, err
}

func (e *Engine) claimOrders(ctx context.Context, marketID int64, kinds []types.OrderType) ([]int64, error) {
	var ids []int64
	err := e.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		var err error
		ids, err = e.store.ClaimOpenOrderIDs(ctx, tx, marketID, kinds, claimBatch)
		return err
	})
	return ids, err
}
