package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predmarket/internal/accounts"
	"predmarket/internal/amm"
	"predmarket/internal/auth"
	"predmarket/internal/config"
	"predmarket/internal/db"
	"predmarket/internal/health"
	"predmarket/internal/httpserver"
	"predmarket/internal/ledger"
	"predmarket/internal/marketdata"
	"predmarket/internal/matching"
	"predmarket/internal/metrics"
	"predmarket/internal/settlement"
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

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema bootstrap failed", zap.Error(err))
	}

	database := db.New(pool)
	m := metrics.New()

	ledgerSvc := ledger.NewService()
	matchStore := matching.NewStore()
	orderSvc := matching.NewService(database, matchStore, ledgerSvc, logger)
	bookReader := matching.NewBookReader(database, matchStore)
	settleStore := settlement.NewStore(matchStore)
	settleSvc := settlement.NewService(database, settleStore, ledgerSvc, logger)
	ammSvc := amm.NewService(database, amm.NewStore(), matchStore, ledgerSvc, logger)
	marketStore := marketdata.NewStore(pool)

	faucetMax, err := decimal.NewFromString(cfg.FaucetMax)
	if err != nil {
		logger.Fatal("invalid faucet max", zap.Error(err))
	}
	accountSvc := accounts.NewService(database, ledgerSvc, cfg.FaucetEnabled, faucetMax)

	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	handlers := httpserver.NewHandlers(orderSvc, bookReader, settleSvc, ammSvc, accountSvc, marketStore, m)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		Handlers:      handlers,
		HealthHandler: health.NewHandler(pool, time.Now()),
		AuthService:   authSvc,
		Metrics:       m,
		InternalToken: cfg.InternalToken,
		Logger:        logger,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	logger.Info("api listening", zap.String("addr", cfg.HTTPAddr), zap.String("mode", cfg.Mode))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
