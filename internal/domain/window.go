package domain

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func NewWindow(start, end time.Time) Window {
	return Window{Start: start.UTC(), End: end.UTC()}
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Validate checks the window is non-empty and, when slot is set, aligned to whole slots.
func (w Window) Validate(slot time.Duration) error {
	if w.Start.IsZero() || w.End.IsZero() {
		return errors.Wrap(ErrInvalidInput, "window start and end are required")
	}
	if !w.End.After(w.Start) {
		return errors.Wrap(ErrInvalidInput, "window end must be after start")
	}
	if slot <= 0 {
		return nil
	}
	if !w.Start.Truncate(slot).Equal(w.Start) || w.Duration()%slot != 0 {
		return errors.Wrapf(ErrInvalidInput, "window must be aligned to %s slots", slot)
	}
	return nil
}

// Slots is the number of slot-sized periods covered by the window, at least one.
func (w Window) Slots(slot time.Duration) int {
	if slot <= 0 {
		return 1
	}
	n := int(w.Duration() / slot)
	if n < 1 {
		return 1
	}
	return n
}

// UnitKey identifies an InventoryUnit.
type UnitKey struct {
	FacilityID uuid.UUID
	Start      time.Time
	End        time.Time
}

func KeyFor(facilityID uuid.UUID, w Window) UnitKey {
	return UnitKey{FacilityID: facilityID, Start: w.Start.UTC(), End: w.End.UTC()}
}

func (k UnitKey) Window() Window {
	return Window{Start: k.Start, End: k.End}
}

func (k UnitKey) String() string {
	return fmt.Sprintf("%s/%d-%d", k.FacilityID, k.Start.UTC().Unix(), k.End.UTC().Unix())
}
