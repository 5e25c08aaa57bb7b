package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type FacilityType string

const (
	FacilityParking FacilityType = "parking"
	FacilityLounge  FacilityType = "lounge"
	FacilityHotel   FacilityType = "hotel"
)

func (t FacilityType) Valid() bool {
	switch t {
	case FacilityParking, FacilityLounge, FacilityHotel:
		return true
	}
	return false
}

// Facility is a bookable category published by the catalog. Only Active ever changes after publication.
type Facility struct {
	ID           uuid.UUID
	Type         FacilityType
	Code         string
	Name         string
	Capacity     int
	SlotDuration time.Duration
	Price        decimal.Decimal
	Currency     string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PriceFor returns the amount charged for quantity units over window.
func (f Facility) PriceFor(quantity int, w Window) decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(int64(quantity))).Mul(decimal.NewFromInt(int64(w.Slots(f.SlotDuration))))
}

// InventoryUnit counts allocatable capacity of one facility for one window.
// Held+Confirmed never exceeds Total.
type InventoryUnit struct {
	ID        uuid.UUID
	Key       UnitKey
	Total     int
	Held      int
	Confirmed int
	UpdatedAt time.Time
}

func (u InventoryUnit) Available() int {
	return u.Total - u.Held - u.Confirmed
}

type TokenStatus string

const (
	TokenHeld      TokenStatus = "held"
	TokenConfirmed TokenStatus = "confirmed"
	TokenReleased  TokenStatus = "released"
)

// HoldToken is the ledger's receipt for capacity taken by Reserve.
type HoldToken struct {
	ID       uuid.UUID
	Key      UnitKey
	Quantity int
	Status   TokenStatus
}
