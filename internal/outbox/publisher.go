// Package outbox relays committed outbox rows to the message broker.
package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/facility-bookings/internal/adapters/crdb"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/observability"
)

// Source is the outbox table.
type Source interface {
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

// Sink is the broker; rabbit.Publisher implements it.
type Sink interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	source   Source
	sink     Sink
	clock    clock.Clock
	logger   observability.Logger
	interval time.Duration
	batch    int
}

func NewPublisher(source Source, sink Sink, clk clock.Clock, logger observability.Logger, interval time.Duration, batch int) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Publisher{source: source, sink: sink, clock: clk, logger: logger, interval: interval, batch: batch}
}

func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				n, err := p.PublishOnce(ctx)
				if err != nil {
					p.logger.WithError(err).Error("outbox publish failed")
					break
				}
				if n < p.batch {
					break
				}
			}
		}
	}
}

// PublishOnce relays one batch in creation order and returns how many rows were published.
// It stops at the first failed publish so later events never overtake an earlier one.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	records, err := p.source.GetUnpublishedOutbox(ctx, p.batch)
	if err != nil {
		return 0, errors.Wrap(err, "read outbox")
	}
	if len(records) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(p.clock.Now().Sub(records[0].CreatedAt).Seconds())

	published := 0
	for _, rec := range records {
		msg := amqp.Publishing{
			MessageId:   rec.DedupeKey,
			Type:        rec.EventType,
			ContentType: "application/json",
			Timestamp:   rec.CreatedAt,
			Headers: amqp.Table{
				"aggregate_type": rec.AggregateType,
				"aggregate_id":   rec.AggregateID.String(),
			},
			Body: rec.Payload,
		}
		if err := p.sink.Publish(ctx, rec.EventType, msg); err != nil {
			return published, errors.Wrapf(err, "publish outbox %s", rec.ID)
		}
		if err := p.source.MarkPublished(ctx, rec.ID, p.clock.Now()); err != nil {
			// The event went out; it will be sent again and deduplicated on MessageId.
			return published, errors.Wrapf(err, "mark outbox %s published", rec.ID)
		}
		published++
	}
	return published, nil
}
