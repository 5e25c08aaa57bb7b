package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/robertarktes/facility-bookings/internal/bootstrap"
	"github.com/robertarktes/facility-bookings/internal/config"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/robertarktes/facility-bookings/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.StoreBackend != config.BackendCRDB {
		log.Fatalf("expiry worker needs STORE_BACKEND=%s; the memory backend runs its sweeper inside the api", config.BackendCRDB)
	}

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("component", "sweeper")
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "fbk-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	backend, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open backends")
		return
	}
	defer backend.Close()

	sw := sweeper.New(backend.Coordinator, sweeper.Config{
		Interval:    cfg.SweepInterval,
		Batch:       cfg.SweepBatch,
		Parallelism: cfg.SweepParallelism,
	}, logger)
	if err := sw.Run(ctx); err != nil {
		logger.WithError(err).Error("sweeper stopped with error")
	}
	logger.Info("Shutdown expiry worker")
}
