package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestWindow_Validate(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		window  Window
		slot    time.Duration
		wantErr bool
	}{
		{"aligned hour", NewWindow(base, base.Add(time.Hour)), time.Hour, false},
		{"two slots", NewWindow(base, base.Add(2*time.Hour)), time.Hour, false},
		{"no slot model", NewWindow(base.Add(7*time.Minute), base.Add(50*time.Minute)), 0, false},
		{"empty", NewWindow(base, base), time.Hour, true},
		{"reversed", NewWindow(base.Add(time.Hour), base), time.Hour, true},
		{"misaligned start", NewWindow(base.Add(15*time.Minute), base.Add(75*time.Minute)), time.Hour, true},
		{"partial slot", NewWindow(base, base.Add(90*time.Minute)), time.Hour, true},
		{"zero", Window{}, time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.window.Validate(tt.slot)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFacility_PriceFor(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	f := Facility{ID: uuid.New(), Price: decimal.RequireFromString("4.50"), SlotDuration: time.Hour}

	got := f.PriceFor(2, NewWindow(base, base.Add(3*time.Hour)))
	assert.True(t, decimal.RequireFromString("27").Equal(got), "got %s", got)
}

func TestUnitKey_StableAcrossZones(t *testing.T) {
	id := uuid.New()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	a := KeyFor(id, Window{Start: start, End: start.Add(time.Hour)})
	b := KeyFor(id, NewWindow(start.UTC(), start.Add(time.Hour).UTC()))
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, a, b)
}
