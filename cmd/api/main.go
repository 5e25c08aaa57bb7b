package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/facility-bookings/internal/adapters/rabbit"
	"github.com/robertarktes/facility-bookings/internal/bootstrap"
	"github.com/robertarktes/facility-bookings/internal/config"
	httphandler "github.com/robertarktes/facility-bookings/internal/http"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/robertarktes/facility-bookings/internal/payment"
	"github.com/robertarktes/facility-bookings/internal/sweeper"
	"golang.org/x/sync/errgroup"
)

const (
	paymentsQueue    = "payments.q"
	paymentsExchange = "fbk.payments"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "fbk-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("api stopped with error")
		os.Exit(1)
	}
	logger.Info("Server exiting")
}

func run(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	backend, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	rl, idemp := backend.RequestGuards(cfg)
	handlers := httphandler.NewHandlers(cfg, backend.Coordinator, logger, backend.Checks...)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httphandler.SetupRouter(handlers, logger, rl, idemp, cfg.RateLimitPerMinute),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var workers []func(context.Context) error
	if backend.RabbitConn != nil {
		consumer, err := rabbit.NewConsumer(backend.RabbitConn, rabbit.ConsumerConfig{
			Queue:    paymentsQueue,
			Exchange: paymentsExchange,
			Keys:     []string{"payment.#"},
			Prefetch: 16,
		})
		if err != nil {
			return errors.Wrap(err, "payments consumer")
		}
		defer consumer.Close()
		deliveries, err := consumer.Consume(ctx)
		if err != nil {
			return errors.Wrap(err, "consume payments")
		}
		listener := payment.NewListener(backend.Coordinator, logger.WithField("component", "payment-listener"))
		workers = append(workers, func(ctx context.Context) error { return listener.Run(ctx, deliveries) })
	}

	if cfg.EmbeddedSweeper {
		sw := sweeper.New(backend.Coordinator, sweeper.Config{
			Interval:    cfg.SweepInterval,
			Batch:       cfg.SweepBatch,
			Parallelism: cfg.SweepParallelism,
		}, logger.WithField("component", "sweeper"))
		workers = append(workers, sw.Run)
	}

	return serve(ctx, srv, logger, workers...)
}

// serve runs srv and the workers until ctx is done or one of them fails, then shuts srv down.
func serve(ctx context.Context, srv *http.Server, logger observability.Logger, workers ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		sctx, cancel := context.WithTimeout(context.Background(), bootstrap.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	for _, w := range workers {
		g.Go(func() error { return w(gctx) })
	}
	return g.Wait()
}
