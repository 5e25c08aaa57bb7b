// Package bootstrap connects the configured backends and builds the booking coordinator on top of them.
package bootstrap

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/facility-bookings/internal/adapters/crdb"
	"github.com/robertarktes/facility-bookings/internal/adapters/kafka"
	mongoadapter "github.com/robertarktes/facility-bookings/internal/adapters/mongo"
	"github.com/robertarktes/facility-bookings/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/facility-bookings/internal/adapters/redis"
	"github.com/robertarktes/facility-bookings/internal/booking"
	"github.com/robertarktes/facility-bookings/internal/catalog"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/config"
	httpapi "github.com/robertarktes/facility-bookings/internal/http"
	"github.com/robertarktes/facility-bookings/internal/idempotency"
	"github.com/robertarktes/facility-bookings/internal/ledger"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/robertarktes/facility-bookings/internal/payment"
	"github.com/robertarktes/facility-bookings/internal/ratelimit"
	"github.com/robertarktes/facility-bookings/internal/reservation"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ShutdownTimeout bounds graceful shutdown of servers and workers.
const ShutdownTimeout = 10 * time.Second

// Backend holds every connection a process needs. Optional dependencies left unconfigured are nil.
type Backend struct {
	Clock       clock.Clock
	Coordinator *booking.Coordinator
	Repo        *crdb.Repository
	RabbitConn  *amqp.Connection
	Publisher   *rabbit.Publisher
	Redis       *redisclient.Client
	Checks      []httpapi.ReadyCheck

	closers []func()
}

// Open connects everything cfg names. On error, whatever was already opened is closed.
func Open(ctx context.Context, cfg *config.Config, logger observability.Logger) (_ *Backend, err error) {
	b := &Backend{Clock: clock.NewSystem()}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var sinks reservation.MultiSink
	var (
		cat       booking.Catalog
		publisher catalog.Publisher
	)
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, errors.Wrap(err, "connect mongo")
		}
		b.onClose(func() { _ = client.Disconnect(context.Background()) })
		b.check("mongo", func(ctx context.Context) error { return client.Ping(ctx, nil) })

		db := client.Database(cfg.MongoDB)
		repo := mongoadapter.NewCatalogRepository(db, logger)
		audit := mongoadapter.NewAuditLogger(db, logger)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		if err := audit.EnsureIndexes(ctx); err != nil {
			return nil, errors.Wrap(err, "audit indexes")
		}
		cat, publisher = repo, repo
		sinks = append(sinks, audit)
	} else {
		mem := catalog.NewMemory(b.Clock)
		cat, publisher = mem, mem
	}
	if cfg.CatalogFile != "" {
		n, err := catalog.Seed(ctx, publisher, cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		logger.WithField("facilities", n).Info("catalog seeded")
	}

	if len(cfg.KafkaBrokers) > 0 {
		stream := kafka.NewTransitionStream(cfg.KafkaTopic, cfg.KafkaBrokers...)
		b.onClose(func() { _ = stream.Close() })
		sinks = append(sinks, stream)
	}

	if cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect rabbitmq")
		}
		b.onClose(func() { _ = conn.Close() })
		b.RabbitConn = conn
		b.check("rabbitmq", func(context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		})
		if b.Publisher, err = rabbit.NewPublisher(conn); err != nil {
			return nil, errors.Wrap(err, "rabbit publisher")
		}
		b.onClose(func() { _ = b.Publisher.Close() })
	}

	var (
		l     ledger.Ledger
		store reservation.Store
	)
	switch cfg.StoreBackend {
	case config.BackendCRDB:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect crdb")
		}
		b.onClose(pool.Close)
		b.check("crdb", pool.Ping)
		if err := crdb.Migrate(pool); err != nil {
			return nil, err
		}
		b.Repo = crdb.NewRepository(pool, b.Clock)
		l, store = crdb.NewLedger(b.Repo), crdb.NewStore(b.Repo)
	default:
		l, store = ledger.NewMemory(b.Clock), reservation.NewMemoryStore(b.Clock)
		// Without a database there is no outbox, so events go straight to the broker.
		if b.Publisher != nil {
			sinks = append(sinks, rabbit.NewNotifier(b.Publisher))
		}
	}

	opts := []booking.Option{
		booking.WithCapacityOverrides(cfg.CapacityOverrides),
		booking.WithRefunder(refunder(cfg, logger)),
	}
	if cfg.RedisAddr != "" {
		b.Redis = redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		b.onClose(func() { _ = b.Redis.Close() })
		b.check("redis", func(ctx context.Context) error { return b.Redis.Ping(ctx).Err() })
		opts = append(opts, booking.WithAvailabilityCache(redisadapter.NewCache(b.Redis), cfg.AvailabilityCacheTTL))
	}

	var machineOpts []reservation.Option
	if len(sinks) > 0 {
		machineOpts = append(machineOpts, reservation.WithAuditSink(sinks))
	}
	machine := reservation.NewMachine(store, b.Clock, logger, machineOpts...)
	b.Coordinator = booking.NewCoordinator(cat, l, machine, b.Clock, logger, opts...)
	return b, nil
}

// RequestGuards returns the rate limiter and idempotency store, Redis backed when Redis is configured.
func (b *Backend) RequestGuards(cfg *config.Config) (*ratelimit.RateLimiter, *idempotency.Idempotency) {
	if b.Redis == nil {
		return ratelimit.NewRateLimiter(ratelimit.NewMemoryCounter()),
			idempotency.NewIdempotency(idempotency.NewMemoryStore(), cfg.IdempotencyTTL)
	}
	return ratelimit.NewRateLimiter(redisadapter.NewCache(b.Redis)),
		idempotency.NewIdempotency(redisadapter.NewIdempotency(b.Redis), cfg.IdempotencyTTL)
}

// Close releases connections in reverse order of opening.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func (b *Backend) onClose(fn func()) {
	b.closers = append(b.closers, fn)
}

func (b *Backend) check(name string, fn func(ctx context.Context) error) {
	b.Checks = append(b.Checks, httpapi.ReadyCheck{Name: name, Check: fn})
}

func refunder(cfg *config.Config, logger observability.Logger) booking.Refunder {
	if cfg.PaymentURL != "" {
		return payment.NewClient(cfg.PaymentURL, cfg.PaymentTimeout, logger)
	}
	logger.Warn("PAYMENT_URL not set, refunds are logged and not issued")
	return booking.RefunderFunc(func(_ context.Context, req booking.RefundRequest) error {
		logger.WithFields(map[string]interface{}{
			"reference_code": req.ReferenceCode,
			"amount":         req.Amount.StringFixed(2),
			"currency":       req.Currency,
		}).Warn("refund skipped, no payment service configured")
		return nil
	})
}
