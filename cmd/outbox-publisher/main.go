package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/facility-bookings/internal/adapters/crdb"
	"github.com/robertarktes/facility-bookings/internal/adapters/rabbit"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/config"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/robertarktes/facility-bookings/internal/outbox"
)

const (
	pollInterval = time.Second
	batchSize    = 100
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.StoreBackend != config.BackendCRDB || cfg.RabbitURL == "" {
		log.Fatalf("outbox publisher needs STORE_BACKEND=%s and RABBIT_URL", config.BackendCRDB)
	}

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("component", "outbox-publisher")
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "fbk-outbox-publisher")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	clk := clock.NewSystem()
	repo := crdb.NewRepository(pool, clk)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	publisher := outbox.NewPublisher(repo, rabbitPub, clk, logger, pollInterval, batchSize)
	logger.Info("Outbox publisher started")
	if err := publisher.Run(ctx); err != nil {
		logger.WithError(err).Error("outbox publisher stopped with error")
	}
	logger.Info("Shutdown outbox publisher")
}
