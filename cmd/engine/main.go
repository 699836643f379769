package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"predmarket/internal/config"
	"predmarket/internal/db"
	"predmarket/internal/ledger"
	"predmarket/internal/matching"
	"predmarket/internal/metrics"
	"predmarket/internal/settlement"
	"predmarket/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	var logger *zap.Logger
	if cfg.Mode == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer pool.Close()

	database := db.New(pool)
	m := metrics.New()

	ledgerSvc := ledger.NewService()
	matchStore := matching.NewStore()
	orderSvc := matching.NewService(database, matchStore, ledgerSvc, logger)
	settleStore := settlement.NewStore(matchStore)
	settleSvc := settlement.NewService(database, settleStore, ledgerSvc, logger)

	engine := worker.NewEngine(database, matchStore, orderSvc, settleSvc, m, logger, cfg.EngineSweepInterval)

	// Metrics-only listener so the worker is observable on its own.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9191", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	engine.Run(ctx)
}
