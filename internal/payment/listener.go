package payment

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/facility-bookings/internal/booking"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/shopspring/decimal"
)

const StatusSucceeded = "SUCCEEDED"

var validate = validator.New()

// Event is a payment outcome reported by the payment service.
type Event struct {
	ReferenceCode string          `json:"reference_code" validate:"required"`
	Status        string          `json:"status" validate:"required"`
	TransactionID string          `json:"transaction_id" validate:"required_if=Status SUCCEEDED"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"omitempty,len=3"`
}

func (e Event) Succeeded() bool {
	return strings.EqualFold(e.Status, StatusSucceeded)
}

// Validate checks the event against its field tags.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid payment event"), domain.ErrInvalidInput)
	}
	return nil
}

func (e Event) Confirmation() booking.PaymentConfirmation {
	return booking.PaymentConfirmation{TransactionID: e.TransactionID, Amount: e.Amount, Currency: e.Currency}
}

// Confirmer is implemented by booking.Coordinator.
type Confirmer interface {
	ConfirmBooking(ctx context.Context, ref string, pay booking.PaymentConfirmation) (domain.Reservation, error)
}

// Listener confirms bookings from payment events on a queue.
type Listener struct {
	confirmer Confirmer
	logger    observability.Logger
}

func NewListener(confirmer Confirmer, logger observability.Logger) *Listener {
	return &Listener{confirmer: confirmer, logger: logger}
}

// Run handles deliveries until ctx is done or the channel closes.
func (l *Listener) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("payment deliveries channel closed")
			}
			l.Handle(ctx, d)
		}
	}
}

// Handle acknowledges events that are done with, including ones that can never succeed, and
// requeues events that failed for a reason that may pass.
func (l *Listener) Handle(ctx context.Context, d amqp.Delivery) {
	log := l.logger.WithField("message_id", d.MessageId)

	var e Event
	err := json.Unmarshal(d.Body, &e)
	if err == nil {
		err = e.Validate()
	}
	if err != nil {
		log.WithError(err).Error("malformed payment event")
		l.settle(log, d.Nack(false, false))
		return
	}
	log = log.WithFields(map[string]interface{}{"reference_code": e.ReferenceCode, "status": e.Status})
	if !e.Succeeded() {
		log.Info("ignoring unsuccessful payment")
		l.settle(log, d.Ack(false))
		return
	}

	_, err = l.confirmer.ConfirmBooking(ctx, e.ReferenceCode, e.Confirmation())
	switch {
	case err == nil:
		log.Info("booking confirmed from payment event")
		l.settle(log, d.Ack(false))
	case Permanent(err):
		log.WithError(err).WithField("code", domain.Code(err)).Warn("payment event cannot confirm booking")
		l.settle(log, d.Ack(false))
	default:
		log.WithError(err).Error("payment event failed, requeueing")
		l.settle(log, d.Nack(false, !d.Redelivered))
	}
}

func (l *Listener) settle(log observability.Logger, err error) {
	if err != nil {
		log.WithError(err).Error("failed to settle delivery")
	}
}

// Permanent reports errors that a retry of the same payment event cannot fix.
func Permanent(err error) bool {
	switch domain.Code(err) {
	case "NOT_FOUND", "HOLD_EXPIRED", "INVALID_TRANSITION", "PAYMENT_MISMATCH", "INVALID_INPUT":
		return true
	}
	return false
}
