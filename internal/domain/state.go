package domain

import "github.com/cockroachdb/errors"

// State is the lifecycle position of a Reservation.
type State string

const (
	StateHold      State = "HOLD"
	StatePending   State = "PENDING"
	StateConfirmed State = "CONFIRMED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
	StateCompleted State = "COMPLETED"
)

var transitions = map[State][]State{
	StateHold:      {StatePending, StateExpired, StateCancelled},
	StatePending:   {StateConfirmed, StateCancelled, StateExpired},
	StateConfirmed: {StateCompleted, StateCancelled},
	StateCancelled: {},
	StateExpired:   {},
	StateCompleted: {},
}

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s State) CanTransitionTo(target State) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s State) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// HoldsCapacity reports whether the reservation still owns held (not yet confirmed) capacity.
func (s State) HoldsCapacity() bool {
	return s == StateHold || s == StatePending
}

// ConsumesCapacity reports whether the reservation counts against the unit total.
func (s State) ConsumesCapacity() bool {
	return s.HoldsCapacity() || s == StateConfirmed
}

func (s State) String() string {
	return string(s)
}

func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", errors.Wrapf(ErrInvalidInput, "unknown reservation state %q", v)
	}
	return s, nil
}

// LedgerAction is what the inventory ledger must do once a reservation has reached a state.
type LedgerAction int

const (
	LedgerNone LedgerAction = iota
	LedgerConfirm
	LedgerRelease
)

func (s State) LedgerAction() LedgerAction {
	switch s {
	case StateConfirmed, StateCompleted:
		return LedgerConfirm
	case StateCancelled, StateExpired:
		return LedgerRelease
	}
	return LedgerNone
}
