// Package kafka streams reservation transitions to a Kafka topic for downstream consumers.
package kafka

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/events"
	kafkago "github.com/segmentio/kafka-go"
)

// TransitionStream writes one message per transition, keyed by reservation id so a reservation's
// history stays ordered within its partition.
type TransitionStream struct {
	writer *kafkago.Writer
}

func NewTransitionStream(topic string, brokers ...string) *TransitionStream {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &TransitionStream{writer: w}
}

func (s *TransitionStream) Record(ctx context.Context, r domain.Reservation, t domain.Transition) error {
	e := events.New(r, t)
	body, err := e.Marshal()
	if err != nil {
		return err
	}
	msg := kafkago.Message{
		Key:   []byte(r.ID.String()),
		Value: body,
		Time:  t.At,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(t.ID.String())},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "stream %s transition", r.ReferenceCode)
	}
	return nil
}

func (s *TransitionStream) Close() error {
	return s.writer.Close()
}
