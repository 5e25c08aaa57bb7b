package domain

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Payload carries the facility-specific part of a booking.
type Payload interface {
	FacilityType() FacilityType
}

type ParkingDetails struct {
	VehiclePlate string `json:"vehicle_plate" validate:"required,min=2,max=16"`
	ZoneCode     string `json:"zone_code,omitempty" validate:"omitempty,max=16"`
	EVCharging   bool   `json:"ev_charging,omitempty"`
}

func (ParkingDetails) FacilityType() FacilityType { return FacilityParking }

type LoungeDetails struct {
	FlightNumber string `json:"flight_number" validate:"required,min=3,max=8"`
	GuestCount   int    `json:"guest_count" validate:"min=0,max=10"`
}

func (LoungeDetails) FacilityType() FacilityType { return FacilityLounge }

type HotelDetails struct {
	RoomType   string `json:"room_type" validate:"required,oneof=single double twin suite"`
	Guests     int    `json:"guests" validate:"required,min=1,max=6"`
	GuestNames string `json:"guest_names,omitempty" validate:"omitempty,max=256"`
}

func (HotelDetails) FacilityType() FacilityType { return FacilityHotel }

// ValidatePayload checks p is present, matches the facility type and passes its field rules.
func ValidatePayload(t FacilityType, p Payload) error {
	if p == nil {
		return errors.Wrapf(ErrInvalidInput, "%s booking requires details", t)
	}
	if p.FacilityType() != t {
		return errors.Wrapf(ErrInvalidInput, "%s details given for %s facility", p.FacilityType(), t)
	}
	if err := validate.Struct(p); err != nil {
		return errors.Mark(errors.Wrap(err, "booking details"), ErrInvalidInput)
	}
	return nil
}

type payloadEnvelope struct {
	Type FacilityType    `json:"type"`
	Data json.RawMessage `json:"data"`
}

func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return json.Marshal(payloadEnvelope{Type: p.FacilityType(), Data: data})
}

func DecodePayload(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "decode payload envelope")
	}
	return DecodeDetails(env.Type, env.Data)
}

// DecodeDetails decodes the bare details object for a facility type.
func DecodeDetails(t FacilityType, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case FacilityParking:
		var d ParkingDetails
		err = json.Unmarshal(data, &d)
		p = d
	case FacilityLounge:
		var d LoungeDetails
		err = json.Unmarshal(data, &d)
		p = d
	case FacilityHotel:
		var d HotelDetails
		err = json.Unmarshal(data, &d)
		p = d
	default:
		return nil, errors.Wrapf(ErrInvalidInput, "unknown facility type %q", t)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode %s details", t), ErrInvalidInput)
	}
	return p, nil
}
