package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/storeroom-ims/storeroom/internal/app"
	"github.com/storeroom-ims/storeroom/internal/audit"
	"github.com/storeroom-ims/storeroom/internal/history"
	"github.com/storeroom-ims/storeroom/internal/ledger"
	"github.com/storeroom-ims/storeroom/internal/observability"
	"github.com/storeroom-ims/storeroom/internal/platform/cache"
	"github.com/storeroom-ims/storeroom/internal/platform/db"
	"github.com/storeroom-ims/storeroom/internal/requisition"
	"github.com/storeroom-ims/storeroom/internal/stock"
	"github.com/storeroom-ims/storeroom/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, detail cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	registry := stock.NewPGRegistry(dbpool)
	auditRecorder := audit.NewRecorder(dbpool, logger)

	requisitionRepo := requisition.NewRepository(dbpool)
	requisitionService := requisition.NewService(requisitionRepo, registry, auditRecorder)
	detailCache := requisition.NewDetailCache(redisClient, cfg.DetailCacheTTL, logger)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo)

	historyService := history.NewService(auditRecorder, ledgerRepo, requisitionService)

	requisitionHandler := requisition.NewHandler(logger, requisitionService, historyService, detailCache)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Pool:               dbpool,
		RequisitionHandler: requisitionHandler,
		LedgerHandler:      ledgerHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
