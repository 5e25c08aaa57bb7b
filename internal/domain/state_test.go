package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_CanTransitionTo(t *testing.T) {
	all := []State{StateHold, StatePending, StateConfirmed, StateCancelled, StateExpired, StateCompleted}
	allowed := map[State]map[State]bool{
		StateHold:      {StatePending: true, StateExpired: true, StateCancelled: true},
		StatePending:   {StateConfirmed: true, StateCancelled: true, StateExpired: true},
		StateConfirmed: {StateCompleted: true, StateCancelled: true},
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[from][to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateCancelled.IsTerminal())
	assert.True(t, StateExpired.IsTerminal())
	assert.True(t, StateCompleted.IsTerminal())
	assert.False(t, StateHold.IsTerminal())
	assert.False(t, StateConfirmed.IsTerminal())
	assert.False(t, State("BOGUS").IsTerminal())
}

func TestState_Capacity(t *testing.T) {
	assert.True(t, StateHold.HoldsCapacity())
	assert.True(t, StatePending.HoldsCapacity())
	assert.False(t, StateConfirmed.HoldsCapacity())
	assert.True(t, StateConfirmed.ConsumesCapacity())
	assert.False(t, StateExpired.ConsumesCapacity())
}

func TestParseState(t *testing.T) {
	s, err := ParseState("PENDING")
	require.NoError(t, err)
	assert.Equal(t, StatePending, s)

	_, err = ParseState("pending")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
