package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/shopspring/decimal"
)

// Catalog resolves facilities published by the catalog service.
type Catalog interface {
	GetFacility(ctx context.Context, id uuid.UUID) (domain.Facility, error)
}

type RefundRequest struct {
	ReservationID uuid.UUID
	ReferenceCode string
	PaymentRef    string
	Amount        decimal.Decimal
	Currency      string
	Reason        string
}

// Refunder returns money for a confirmed booking. A nil error means the refund was accepted.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) error
}

type RefunderFunc func(ctx context.Context, req RefundRequest) error

func (f RefunderFunc) Refund(ctx context.Context, req RefundRequest) error {
	return f(ctx, req)
}

// AvailabilityCache is a short-lived read-through cache for unit snapshots.
type AvailabilityCache interface {
	GetAvailability(ctx context.Context, key domain.UnitKey) (domain.InventoryUnit, bool, error)
	SetAvailability(ctx context.Context, unit domain.InventoryUnit, ttl time.Duration) error
	InvalidateAvailability(ctx context.Context, key domain.UnitKey) error
}

// PaymentConfirmation is what the payment service reports for a successful charge.
type PaymentConfirmation struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
}

type CreateBookingInput struct {
	PassengerID  uuid.UUID
	FacilityID   uuid.UUID
	Window       domain.Window
	Quantity     int
	HoldDuration time.Duration
	Payload      domain.Payload
}
