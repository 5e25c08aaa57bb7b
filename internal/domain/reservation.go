package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reservation is one booking attempt against one InventoryUnit.
type Reservation struct {
	ID            uuid.UUID
	PassengerID   uuid.UUID
	FacilityID    uuid.UUID
	FacilityType  FacilityType
	Unit          UnitKey
	Quantity      int
	State         State
	HoldToken     uuid.UUID
	HoldExpiresAt time.Time
	ReferenceCode string
	Amount        decimal.Decimal
	Currency      string
	PaymentRef    string
	// LedgerSynced is false between a state change that needs a ledger call and that call succeeding.
	LedgerSynced bool
	Payload      Payload
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HoldExpired reports whether the hold deadline has been reached at now.
func (r *Reservation) HoldExpired(now time.Time) bool {
	return !now.Before(r.HoldExpiresAt)
}

func (r *Reservation) Touch(now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

// Transition is the immutable record of one state change.
type Transition struct {
	ID            uuid.UUID
	ReservationID uuid.UUID
	From          State
	To            State
	At            time.Time
	Actor         string
	Reason        string
}

// NewHold builds a reservation in HOLD for a freshly reserved token.
func NewHold(passengerID uuid.UUID, f Facility, w Window, quantity int, token HoldToken, ref string, payload Payload, now time.Time, ttl time.Duration) Reservation {
	r := Reservation{
		ID:            uuid.New(),
		PassengerID:   passengerID,
		FacilityID:    f.ID,
		FacilityType:  f.Type,
		Unit:          token.Key,
		Quantity:      quantity,
		State:         StateHold,
		HoldToken:     token.ID,
		HoldExpiresAt: now.Add(ttl),
		ReferenceCode: ref,
		Amount:        f.PriceFor(quantity, w),
		Currency:      f.Currency,
		LedgerSynced:  true,
		Payload:       payload,
	}
	r.Touch(now)
	return r
}
