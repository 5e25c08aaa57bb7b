// Package reservation owns the booking lifecycle. Callers request transitions with the state they
// believe is current; the store applies them only if that belief still holds.
package reservation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/observability"
)

// Change is a conditional state update. LedgerSynced nil leaves the flag untouched.
type Change struct {
	From         domain.State
	To           domain.State
	PaymentRef   string
	LedgerSynced *bool
}

type Store interface {
	// Create inserts a new reservation together with its opening transition.
	Create(ctx context.Context, r domain.Reservation, t domain.Transition) error
	Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	GetByReference(ctx context.Context, ref string) (domain.Reservation, error)
	// Apply moves the reservation from c.From to c.To and appends t in one atomic write.
	// It returns domain.ErrStaleState when the stored state is not c.From.
	Apply(ctx context.Context, id uuid.UUID, c Change, t domain.Transition) (domain.Reservation, error)
	// MarkLedgerSynced sets LedgerSynced when the reservation is still in state.
	MarkLedgerSynced(ctx context.Context, id uuid.UUID, state domain.State) error
	ListExpiring(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	ListUnsynced(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Reservation, error)
	Transitions(ctx context.Context, id uuid.UUID) ([]domain.Transition, error)
}

// AuditSink receives every applied transition after it is durable.
type AuditSink interface {
	Record(ctx context.Context, r domain.Reservation, t domain.Transition) error
}

type Machine struct {
	store  Store
	sink   AuditSink
	clock  clock.Clock
	logger observability.Logger
}

type Option func(*Machine)

func WithAuditSink(s AuditSink) Option {
	return func(m *Machine) {
		if s != nil {
			m.sink = s
		}
	}
}

func NewMachine(store Store, clk clock.Clock, logger observability.Logger, opts ...Option) *Machine {
	m := &Machine{store: store, clock: clk, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Store() Store {
	return m.store
}

// Open persists a new HOLD reservation.
func (m *Machine) Open(ctx context.Context, r domain.Reservation, actor string) error {
	if r.State != domain.StateHold {
		return errors.Wrapf(domain.ErrInvalidTransition, "reservations open in %s, not %s", domain.StateHold, r.State)
	}
	t := domain.Transition{
		ID:            uuid.New(),
		ReservationID: r.ID,
		To:            domain.StateHold,
		At:            m.clock.Now(),
		Actor:         actor,
	}
	if err := m.store.Create(ctx, r, t); err != nil {
		return errors.Wrap(err, "create reservation")
	}
	observability.TransitionsTotal.WithLabelValues("", string(domain.StateHold)).Inc()
	m.record(ctx, r, t)
	return nil
}

type transitionOpts struct {
	reason     string
	paymentRef string
}

type TransitionOption func(*transitionOpts)

func WithReason(reason string) TransitionOption {
	return func(o *transitionOpts) { o.reason = reason }
}

func WithPaymentRef(ref string) TransitionOption {
	return func(o *transitionOpts) { o.paymentRef = ref }
}

// Transition moves reservation id from expected to target.
func (m *Machine) Transition(ctx context.Context, id uuid.UUID, target, expected domain.State, actor string, opts ...TransitionOption) (domain.Reservation, error) {
	if !expected.CanTransitionTo(target) {
		return domain.Reservation{}, errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", expected, target)
	}
	var o transitionOpts
	for _, opt := range opts {
		opt(&o)
	}

	c := Change{From: expected, To: target, PaymentRef: o.paymentRef}
	if target != domain.StateCompleted {
		synced := target.LedgerAction() == domain.LedgerNone
		c.LedgerSynced = &synced
	}
	t := domain.Transition{
		ID:            uuid.New(),
		ReservationID: id,
		From:          expected,
		To:            target,
		At:            m.clock.Now(),
		Actor:         actor,
		Reason:        o.reason,
	}

	r, err := m.store.Apply(ctx, id, c, t)
	if err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "transition %s %s -> %s", id, expected, target)
	}
	observability.TransitionsTotal.WithLabelValues(string(expected), string(target)).Inc()
	m.record(ctx, r, t)
	return r, nil
}

// History returns the transitions of a reservation, oldest first.
func (m *Machine) History(ctx context.Context, id uuid.UUID) ([]domain.Transition, error) {
	return m.store.Transitions(ctx, id)
}

func (m *Machine) record(ctx context.Context, r domain.Reservation, t domain.Transition) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Record(ctx, r, t); err != nil {
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"reservation_id": r.ID,
			"from":           t.From,
			"to":             t.To,
		}).Warn("audit sink rejected transition")
	}
}

// MultiSink fans a transition out to several sinks and reports every failure.
type MultiSink []AuditSink

func (s MultiSink) Record(ctx context.Context, r domain.Reservation, t domain.Transition) error {
	var combined error
	for _, sink := range s {
		if err := sink.Record(ctx, r, t); err != nil {
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}
