package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrNoAvailability            = errors.New("no availability")
	ErrCapacityExhausted         = errors.New("capacity exhausted")
	ErrTokenNotFound             = errors.New("hold token not found")
	ErrHoldExpired               = errors.New("hold expired")
	ErrInvalidTransition         = errors.New("invalid transition")
	ErrStaleState                = errors.New("stale state")
	ErrCapacityReconcileRequired = errors.New("capacity reconcile required")
	ErrFacilityInactive          = errors.New("facility inactive")
	ErrPaymentMismatch           = errors.New("payment does not match booking")
	ErrRefundFailed              = errors.New("refund failed")
)

// Code maps an error onto the stable code reported to API callers.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoAvailability), errors.Is(err, ErrCapacityExhausted):
		return "NO_AVAILABILITY"
	case errors.Is(err, ErrHoldExpired):
		return "HOLD_EXPIRED"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrStaleState), errors.Is(err, ErrSerializationFailure), errors.Is(err, ErrConflict):
		return "STALE_STATE"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTokenNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrCapacityReconcileRequired):
		return "CAPACITY_RECONCILE_REQUIRED"
	case errors.Is(err, ErrFacilityInactive):
		return "FACILITY_INACTIVE"
	case errors.Is(err, ErrPaymentMismatch):
		return "PAYMENT_MISMATCH"
	case errors.Is(err, ErrRefundFailed):
		return "REFUND_FAILED"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	default:
		return "INTERNAL"
	}
}
