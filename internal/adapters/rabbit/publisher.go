package rabbit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/facility-bookings/internal/observability"
)

const EventsExchange = "fbk.events"

const publishAttempts = 3

type Publisher struct {
	ch      *amqp.Channel
	backoff time.Duration
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, backoff: 100 * time.Millisecond}, nil
}

// Publish sends msg to the events exchange under routing key, retrying transient channel errors.
func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	var err error
	for i := 0; i < publishAttempts; i++ {
		if i > 0 {
			observability.RabbitPublishRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(1<<(i-1)) * p.backoff):
			}
		}
		err = p.ch.PublishWithContext(ctx, EventsExchange, key, false, false, msg)
		if err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "publish %s", key)
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
