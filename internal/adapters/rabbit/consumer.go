package rabbit

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ConsumerConfig struct {
	Queue string
	// Exchange and Keys bind the queue; an empty Exchange leaves the queue on the default exchange.
	Exchange string
	Keys     []string
	Prefetch int
}

type Consumer struct {
	ch    *amqp.Channel
	queue string
}

func NewConsumer(conn *amqp.Connection, cfg ConsumerConfig) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	_, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			return nil, err
		}
		for _, key := range cfg.Keys {
			if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
				return nil, err
			}
		}
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, err
		}
	}
	return &Consumer{ch: ch, queue: cfg.Queue}, nil
}

// Consume delivers messages with manual acknowledgement.
func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
