package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"

	maxTxAttempts = 4
)

type Repository struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewRepository(pool *pgxpool.Pool, clk clock.Clock) *Repository {
	return &Repository{pool: pool, clock: clk}
}

func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// WithTx runs fn in a SERIALIZABLE transaction. Every row fn writes should be stamped with now.
// Serialization failures are retried with a fresh transaction and surface as ErrSerializationFailure
// once attempts run out.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx, now time.Time) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = r.runTx(ctx, fn)
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

func (r *Repository) runTx(ctx context.Context, fn func(tx pgx.Tx, now time.Time) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx, r.clock.Now()); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode:
			return errors.Mark(err, domain.ErrSerializationFailure)
		case UniqueViolationCode:
			return errors.Mark(err, domain.ErrConflict)
		}
	}
	return err
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, format, args...)
	}
	return err
}
