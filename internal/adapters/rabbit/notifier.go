package rabbit

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/events"
)

// Notifier publishes booking events straight from the state machine. The in-memory backend uses
// it instead of the outbox relay.
type Notifier struct {
	pub *Publisher
}

func NewNotifier(pub *Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) Record(ctx context.Context, r domain.Reservation, t domain.Transition) error {
	typ, ok := events.TypeFor(t.To)
	if !ok {
		return nil
	}
	body, err := events.New(r, t).Marshal()
	if err != nil {
		return err
	}
	return n.pub.Publish(ctx, typ, amqp.Publishing{
		MessageId:   t.ID.String(),
		ContentType: "application/json",
		Type:        typ,
		Body:        body,
	})
}
