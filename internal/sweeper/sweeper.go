// Package sweeper expires overdue holds and repairs ledger drift on a fixed interval.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"golang.org/x/sync/errgroup"
)

// Expirer is the part of the booking coordinator the sweeper drives.
type Expirer interface {
	DueForExpiry(ctx context.Context, limit int) ([]domain.Reservation, error)
	Expire(ctx context.Context, r domain.Reservation) error
	Reconcile(ctx context.Context, limit int) (int, error)
}

type Config struct {
	Interval    time.Duration
	Batch       int
	Parallelism int
	MaxAttempts int
	BaseBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	return c
}

// Result summarises one sweep.
type Result struct {
	Due        int
	Expired    int
	Stale      int
	Failed     int
	Reconciled int
}

type Sweeper struct {
	expirer Expirer
	cfg     Config
	logger  observability.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func New(expirer Expirer, cfg Config, logger observability.Logger) *Sweeper {
	return &Sweeper{
		expirer: expirer,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Run sweeps every interval until ctx is done or Stop is called.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.WithField("interval", s.cfg.Interval.String()).Info("expiry sweeper started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-ticker.C:
			res, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.WithError(err).Error("sweep failed")
				continue
			}
			if res.Due > 0 || res.Reconciled > 0 {
				s.logger.WithFields(map[string]interface{}{
					"due":        res.Due,
					"expired":    res.Expired,
					"stale":      res.Stale,
					"failed":     res.Failed,
					"reconciled": res.Reconciled,
				}).Info("sweep finished")
			}
		}
	}
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// SweepOnce expires one batch of overdue reservations and then runs the ledger repair pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	due, err := s.expirer.DueForExpiry(ctx, s.cfg.Batch)
	if err != nil {
		return Result{}, errors.Wrap(err, "list due reservations")
	}

	var expired, stale, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, r := range due {
		g.Go(func() error {
			err := s.expireWithRetry(gctx, r)
			switch {
			case err == nil:
				expired.Add(1)
				observability.SweepExpired.Inc()
			case errors.Is(err, domain.ErrStaleState), errors.Is(err, domain.ErrInvalidTransition):
				stale.Add(1)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				failed.Add(1)
				s.logger.WithError(err).WithField("reference_code", r.ReferenceCode).Error("failed to expire reservation after retries")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Due: len(due), Expired: int(expired.Load()), Stale: int(stale.Load()), Failed: int(failed.Load())}
	res.Reconciled, err = s.expirer.Reconcile(ctx, s.cfg.Batch)
	if err != nil {
		return res, errors.Wrap(err, "reconcile")
	}
	return res, nil
}

func (s *Sweeper) expireWithRetry(ctx context.Context, r domain.Reservation) error {
	var err error
	for i := 0; i < s.cfg.MaxAttempts; i++ {
		err = s.expirer.Expire(ctx, r)
		if err == nil || errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
		if i == s.cfg.MaxAttempts-1 {
			break
		}
		backoff := time.Duration(1<<i) * s.cfg.BaseBackoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return errors.Wrapf(err, "expire %s after %d attempts", r.ReferenceCode, s.cfg.MaxAttempts)
}
