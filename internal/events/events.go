// Package events defines the booking lifecycle message emitted for every state transition.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/domain"
)

const AggregateBooking = "booking"

// BookingEvent is the notification body published to the broker and the transition stream.
type BookingEvent struct {
	EventID       uuid.UUID           `json:"event_id"`
	Type          string              `json:"type"`
	ReservationID uuid.UUID           `json:"reservation_id"`
	ReferenceCode string              `json:"reference_code"`
	PassengerID   uuid.UUID           `json:"passenger_id"`
	FacilityID    uuid.UUID           `json:"facility_id"`
	FacilityType  domain.FacilityType `json:"facility_type"`
	WindowStart   time.Time           `json:"window_start"`
	WindowEnd     time.Time           `json:"window_end"`
	Quantity      int                 `json:"quantity"`
	From          domain.State        `json:"from,omitempty"`
	To            domain.State        `json:"to"`
	Amount        string              `json:"amount"`
	Currency      string              `json:"currency"`
	Actor         string              `json:"actor"`
	Reason        string              `json:"reason,omitempty"`
	At            time.Time           `json:"at"`
}

// TypeFor names the event for a reservation entering state, e.g. "booking.confirmed".
// Entering PENDING is internal and emits nothing.
func TypeFor(s domain.State) (string, bool) {
	switch s {
	case domain.StateHold:
		return "booking.held", true
	case domain.StatePending:
		return "", false
	}
	return AggregateBooking + "." + strings.ToLower(string(s)), true
}

func New(r domain.Reservation, t domain.Transition) BookingEvent {
	typ, ok := TypeFor(t.To)
	if !ok {
		typ = AggregateBooking + "." + strings.ToLower(string(t.To))
	}
	return BookingEvent{
		EventID:       t.ID,
		Type:          typ,
		ReservationID: r.ID,
		ReferenceCode: r.ReferenceCode,
		PassengerID:   r.PassengerID,
		FacilityID:    r.FacilityID,
		FacilityType:  r.FacilityType,
		WindowStart:   r.Unit.Start,
		WindowEnd:     r.Unit.End,
		Quantity:      r.Quantity,
		From:          t.From,
		To:            t.To,
		Amount:        r.Amount.StringFixed(2),
		Currency:      r.Currency,
		Actor:         t.Actor,
		Reason:        t.Reason,
		At:            t.At,
	}
}

func (e BookingEvent) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s event", e.Type)
	}
	return b, nil
}

func Unmarshal(b []byte) (BookingEvent, error) {
	var e BookingEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return BookingEvent{}, errors.Wrap(err, "unmarshal booking event")
	}
	return e, nil
}
