// Package booking coordinates the inventory ledger and the reservation lifecycle.
package booking

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/ledger"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/robertarktes/facility-bookings/internal/reservation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	actorPassenger = "passenger"
	actorPayment   = "payment"
	actorSweeper   = "sweeper"
	actorReconcile = "reconcile"

	refAttempts = 3
)

type Coordinator struct {
	catalog  Catalog
	ledger   ledger.Ledger
	machine  *reservation.Machine
	store    reservation.Store
	refunder Refunder
	clock    clock.Clock
	logger   observability.Logger

	capacity       map[string]int
	cache          AvailabilityCache
	cacheTTL       time.Duration
	reconcileGrace time.Duration
}

type Option func(*Coordinator)

// WithCapacityOverrides sets per-facility-code capacity that wins over the catalog value.
func WithCapacityOverrides(m map[string]int) Option {
	return func(c *Coordinator) {
		for code, n := range m {
			c.capacity[strings.ToUpper(code)] = n
		}
	}
}

func WithAvailabilityCache(cache AvailabilityCache, ttl time.Duration) Option {
	return func(c *Coordinator) {
		if cache != nil && ttl > 0 {
			c.cache = cache
			c.cacheTTL = ttl
		}
	}
}

func WithRefunder(r Refunder) Option {
	return func(c *Coordinator) { c.refunder = r }
}

// WithReconcileGrace skips reservations changed within d, leaving them to the request still handling them.
func WithReconcileGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.reconcileGrace = d }
}

func NewCoordinator(catalog Catalog, l ledger.Ledger, m *reservation.Machine, clk clock.Clock, logger observability.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		catalog:        catalog,
		ledger:         l,
		machine:        m,
		store:          m.Store(),
		clock:          clk,
		logger:         logger,
		capacity:       make(map[string]int),
		reconcileGrace: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateBooking reserves capacity and opens a HOLD reservation that lapses after HoldDuration.
func (c *Coordinator) CreateBooking(ctx context.Context, in CreateBookingInput) (domain.Reservation, error) {
	ctx, span := c.start(ctx, "booking.CreateBooking", attribute.String("facility_id", in.FacilityID.String()))
	defer span.End()

	r, err := c.createBooking(ctx, in)
	c.finish(span, "create", err)
	return r, err
}

func (c *Coordinator) createBooking(ctx context.Context, in CreateBookingInput) (domain.Reservation, error) {
	if in.PassengerID == uuid.Nil {
		return domain.Reservation{}, errors.Wrap(domain.ErrInvalidInput, "passenger id is required")
	}
	if in.Quantity <= 0 {
		return domain.Reservation{}, errors.Wrapf(domain.ErrInvalidInput, "quantity must be positive, got %d", in.Quantity)
	}
	if in.HoldDuration < 0 {
		return domain.Reservation{}, errors.Wrap(domain.ErrInvalidInput, "hold duration must not be negative")
	}

	f, err := c.facility(ctx, in.FacilityID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := in.Window.Validate(f.SlotDuration); err != nil {
		return domain.Reservation{}, err
	}
	if err := domain.ValidatePayload(f.Type, in.Payload); err != nil {
		return domain.Reservation{}, err
	}

	key := domain.KeyFor(f.ID, in.Window)
	token, err := c.ledger.Reserve(ctx, key, c.totalFor(f), in.Quantity)
	observability.LedgerOpsTotal.WithLabelValues("reserve", observability.Outcome(err)).Inc()
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExhausted) {
			return domain.Reservation{}, errors.Mark(errors.Wrapf(err, "%d x %s", in.Quantity, f.Code), domain.ErrNoAvailability)
		}
		return domain.Reservation{}, errors.Wrap(err, "reserve capacity")
	}

	var r domain.Reservation
	for attempt := 0; attempt < refAttempts; attempt++ {
		ref, refErr := domain.NewReferenceCode()
		if refErr != nil {
			err = refErr
			break
		}
		r = domain.NewHold(in.PassengerID, f, in.Window, in.Quantity, token, ref, in.Payload, c.clock.Now(), in.HoldDuration)
		err = c.machine.Open(ctx, r, actorPassenger)
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
	}
	if err != nil {
		c.compensate(ctx, token, err)
		return domain.Reservation{}, err
	}

	c.invalidate(ctx, key)
	return r, nil
}

// compensate gives back capacity reserved for a booking that could not be recorded.
func (c *Coordinator) compensate(ctx context.Context, token domain.HoldToken, cause error) {
	err := c.ledger.Release(ctx, token.ID)
	observability.LedgerOpsTotal.WithLabelValues("release", observability.Outcome(err)).Inc()
	log := observability.LoggerFrom(ctx, c.logger).WithFields(map[string]interface{}{
		"token": token.ID,
		"unit":  token.Key.String(),
	})
	if err != nil {
		log.WithError(errors.CombineErrors(cause, err)).Error("failed to release capacity after booking write failed")
		return
	}
	log.WithError(cause).Warn("released capacity after booking write failed")
}

// ConfirmBooking records a successful payment. Retrying a confirmed booking with the same
// transaction succeeds and replays any ledger confirmation still outstanding.
func (c *Coordinator) ConfirmBooking(ctx context.Context, ref string, pay PaymentConfirmation) (domain.Reservation, error) {
	ctx, span := c.start(ctx, "booking.ConfirmBooking", attribute.String("reference_code", ref))
	defer span.End()

	r, err := c.confirmBooking(ctx, ref, pay)
	c.finish(span, "confirm", err)
	return r, err
}

func (c *Coordinator) confirmBooking(ctx context.Context, ref string, pay PaymentConfirmation) (domain.Reservation, error) {
	if strings.TrimSpace(pay.TransactionID) == "" {
		return domain.Reservation{}, errors.Wrap(domain.ErrInvalidInput, "transaction id is required")
	}
	r, err := c.load(ctx, ref)
	if err != nil {
		return domain.Reservation{}, err
	}

	switch r.State {
	case domain.StateConfirmed, domain.StateCompleted:
		if r.PaymentRef != "" && r.PaymentRef != pay.TransactionID {
			return r, errors.Wrapf(domain.ErrPaymentMismatch, "booking %s already paid by another transaction", r.ReferenceCode)
		}
		if r.State == domain.StateConfirmed && !r.LedgerSynced {
			return c.syncLedger(ctx, r), nil
		}
		return r, nil
	case domain.StateExpired:
		return r, errors.Wrapf(domain.ErrHoldExpired, "booking %s", r.ReferenceCode)
	case domain.StateCancelled:
		return r, errors.Wrapf(domain.ErrInvalidTransition, "booking %s is %s", r.ReferenceCode, r.State)
	}

	if r.HoldExpired(c.clock.Now()) {
		if err := c.Expire(ctx, r); err != nil && !errors.Is(err, domain.ErrStaleState) {
			observability.LoggerFrom(ctx, c.logger).WithError(err).WithField("reference_code", r.ReferenceCode).Warn("eager expiry failed")
		}
		return r, errors.Wrapf(domain.ErrHoldExpired, "booking %s expired at %s", r.ReferenceCode, r.HoldExpiresAt.Format(time.RFC3339))
	}
	if !pay.Amount.Equal(r.Amount) || !strings.EqualFold(pay.Currency, r.Currency) {
		return r, errors.Wrapf(domain.ErrPaymentMismatch, "paid %s %s, due %s %s", pay.Amount, pay.Currency, r.Amount, r.Currency)
	}

	if r.State == domain.StatePending && r.PaymentRef != "" && r.PaymentRef != pay.TransactionID {
		return r, errors.Wrapf(domain.ErrPaymentMismatch, "booking %s is pending another transaction", r.ReferenceCode)
	}
	if r.State == domain.StateHold {
		r, err = c.machine.Transition(ctx, r.ID, domain.StatePending, domain.StateHold, actorPayment, reservation.WithPaymentRef(pay.TransactionID))
		if err != nil {
			return domain.Reservation{}, err
		}
	}
	r, err = c.machine.Transition(ctx, r.ID, domain.StateConfirmed, domain.StatePending, actorPayment, reservation.WithPaymentRef(pay.TransactionID))
	if err != nil {
		return domain.Reservation{}, err
	}
	return c.syncLedger(ctx, r), nil
}

// CancelBooking cancels an active booking. Confirmed bookings are refunded first and stay
// confirmed when the refund fails.
func (c *Coordinator) CancelBooking(ctx context.Context, ref, reason string) (domain.Reservation, error) {
	ctx, span := c.start(ctx, "booking.CancelBooking", attribute.String("reference_code", ref))
	defer span.End()

	r, err := c.cancelBooking(ctx, ref, reason)
	c.finish(span, "cancel", err)
	return r, err
}

func (c *Coordinator) cancelBooking(ctx context.Context, ref, reason string) (domain.Reservation, error) {
	r, err := c.load(ctx, ref)
	if err != nil {
		return domain.Reservation{}, err
	}

	switch r.State {
	case domain.StateCancelled:
		if !r.LedgerSynced {
			return c.syncLedger(ctx, r), nil
		}
		return r, nil
	case domain.StateExpired, domain.StateCompleted:
		return r, errors.Wrapf(domain.ErrInvalidTransition, "booking %s is %s", r.ReferenceCode, r.State)
	case domain.StateConfirmed:
		if err := c.refund(ctx, r, reason); err != nil {
			return r, err
		}
	}

	cancelled, err := c.machine.Transition(ctx, r.ID, domain.StateCancelled, r.State, actorPassenger, reservation.WithReason(reason))
	if err != nil {
		if r.State == domain.StateConfirmed {
			observability.LoggerFrom(ctx, c.logger).WithError(err).WithField("reference_code", r.ReferenceCode).
				Error("refund issued but cancellation was not recorded")
		}
		return domain.Reservation{}, err
	}
	return c.syncLedger(ctx, cancelled), nil
}

func (c *Coordinator) refund(ctx context.Context, r domain.Reservation, reason string) error {
	if c.refunder == nil {
		return errors.Wrap(domain.ErrRefundFailed, "no refund service configured")
	}
	err := c.refunder.Refund(ctx, RefundRequest{
		ReservationID: r.ID,
		ReferenceCode: r.ReferenceCode,
		PaymentRef:    r.PaymentRef,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Reason:        reason,
	})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "refund %s", r.ReferenceCode), domain.ErrRefundFailed)
	}
	return nil
}

// CompleteBooking marks a confirmed booking as consumed.
func (c *Coordinator) CompleteBooking(ctx context.Context, ref string) (domain.Reservation, error) {
	ctx, span := c.start(ctx, "booking.CompleteBooking", attribute.String("reference_code", ref))
	defer span.End()

	r, err := c.completeBooking(ctx, ref)
	c.finish(span, "complete", err)
	return r, err
}

func (c *Coordinator) completeBooking(ctx context.Context, ref string) (domain.Reservation, error) {
	r, err := c.load(ctx, ref)
	if err != nil {
		return domain.Reservation{}, err
	}
	if r.State == domain.StateCompleted {
		return r, nil
	}
	r, err = c.machine.Transition(ctx, r.ID, domain.StateCompleted, r.State, actorPassenger)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !r.LedgerSynced {
		r = c.syncLedger(ctx, r)
	}
	return r, nil
}

func (c *Coordinator) GetBooking(ctx context.Context, ref string) (domain.Reservation, error) {
	return c.load(ctx, ref)
}

func (c *Coordinator) History(ctx context.Context, ref string) ([]domain.Transition, error) {
	r, err := c.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.machine.History(ctx, r.ID)
}

// GetAvailability reports the counters of one facility window.
func (c *Coordinator) GetAvailability(ctx context.Context, facilityID uuid.UUID, w domain.Window) (domain.InventoryUnit, error) {
	ctx, span := c.start(ctx, "booking.GetAvailability", attribute.String("facility_id", facilityID.String()))
	defer span.End()

	u, err := c.getAvailability(ctx, facilityID, w)
	c.finish(span, "availability", err)
	return u, err
}

func (c *Coordinator) getAvailability(ctx context.Context, facilityID uuid.UUID, w domain.Window) (domain.InventoryUnit, error) {
	f, err := c.facility(ctx, facilityID)
	if err != nil {
		return domain.InventoryUnit{}, err
	}
	if err := w.Validate(f.SlotDuration); err != nil {
		return domain.InventoryUnit{}, err
	}
	key := domain.KeyFor(f.ID, w)

	if c.cache != nil {
		u, ok, err := c.cache.GetAvailability(ctx, key)
		if err != nil {
			observability.LoggerFrom(ctx, c.logger).WithError(err).Warn("availability cache read failed")
		} else if ok {
			return u, nil
		}
	}

	u, err := c.ledger.Availability(ctx, key, c.totalFor(f))
	if err != nil {
		return domain.InventoryUnit{}, errors.Wrap(err, "read availability")
	}
	if c.cache != nil {
		if err := c.cache.SetAvailability(ctx, u, c.cacheTTL); err != nil {
			observability.LoggerFrom(ctx, c.logger).WithError(err).Warn("availability cache write failed")
		}
	}
	return u, nil
}

// Expire moves an overdue HOLD or PENDING reservation to EXPIRED and releases its capacity.
// The loaded state is the expected state, so a concurrent confirm or cancel wins with ErrStaleState.
func (c *Coordinator) Expire(ctx context.Context, r domain.Reservation) error {
	if !r.State.HoldsCapacity() {
		return errors.Wrapf(domain.ErrInvalidTransition, "booking %s is %s", r.ReferenceCode, r.State)
	}
	if !r.HoldExpired(c.clock.Now()) {
		return errors.Wrapf(domain.ErrStaleState, "booking %s holds until %s", r.ReferenceCode, r.HoldExpiresAt.Format(time.RFC3339))
	}
	expired, err := c.machine.Transition(ctx, r.ID, domain.StateExpired, r.State, actorSweeper, reservation.WithReason("hold deadline passed"))
	observability.BookingsTotal.WithLabelValues("expire", outcome(err)).Inc()
	if err != nil {
		return err
	}
	c.syncLedger(ctx, expired)
	return nil
}

// DueForExpiry lists HOLD and PENDING reservations whose deadline has passed, oldest first.
func (c *Coordinator) DueForExpiry(ctx context.Context, limit int) ([]domain.Reservation, error) {
	return c.store.ListExpiring(ctx, c.clock.Now(), limit)
}

// Reconcile replays ledger calls for reservations whose state changed without the matching
// ledger update. It returns how many were repaired.
func (c *Coordinator) Reconcile(ctx context.Context, limit int) (int, error) {
	ctx, span := c.start(ctx, "booking.Reconcile")
	defer span.End()

	pending, err := c.store.ListUnsynced(ctx, c.clock.Now().Add(-c.reconcileGrace), limit)
	if err != nil {
		c.finish(span, "reconcile", err)
		return 0, errors.Wrap(err, "list unsynced reservations")
	}
	repaired := 0
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		if c.syncLedger(ctx, r).LedgerSynced {
			repaired++
		}
	}
	span.SetAttributes(attribute.Int("repaired", repaired), attribute.Int("pending", len(pending)))
	c.finish(span, "reconcile", nil)
	return repaired, nil
}

// syncLedger applies the ledger call the reservation's state requires. Failures are logged and
// counted; the reservation stays unsynced until Reconcile retries it.
func (c *Coordinator) syncLedger(ctx context.Context, r domain.Reservation) domain.Reservation {
	var (
		op  string
		err error
	)
	switch r.State.LedgerAction() {
	case domain.LedgerConfirm:
		op = "confirm"
		err = c.ledger.Confirm(ctx, r.HoldToken)
	case domain.LedgerRelease:
		op = "release"
		err = c.ledger.Release(ctx, r.HoldToken)
	default:
		return r
	}
	observability.LedgerOpsTotal.WithLabelValues(op, observability.Outcome(err)).Inc()

	log := observability.LoggerFrom(ctx, c.logger).WithFields(map[string]interface{}{
		"reference_code": r.ReferenceCode,
		"state":          r.State,
		"token":          r.HoldToken,
	})
	if err != nil {
		observability.ReconcileRequired.Inc()
		log.WithError(errors.Mark(errors.Wrapf(err, "ledger %s", op), domain.ErrCapacityReconcileRequired)).
			Error("ledger update failed after state change")
		return r
	}
	if err := c.store.MarkLedgerSynced(ctx, r.ID, r.State); err != nil {
		log.WithError(err).Warn("failed to mark ledger synced")
		return r
	}
	r.LedgerSynced = true
	c.invalidate(ctx, r.Unit)
	return r
}

func (c *Coordinator) load(ctx context.Context, ref string) (domain.Reservation, error) {
	norm, err := domain.NormalizeReferenceCode(ref)
	if err != nil {
		return domain.Reservation{}, err
	}
	return c.store.GetByReference(ctx, norm)
}

func (c *Coordinator) facility(ctx context.Context, id uuid.UUID) (domain.Facility, error) {
	f, err := c.catalog.GetFacility(ctx, id)
	if err != nil {
		return domain.Facility{}, errors.Wrapf(err, "facility %s", id)
	}
	if !f.Active {
		return domain.Facility{}, errors.Wrapf(domain.ErrFacilityInactive, "facility %s", f.Code)
	}
	return f, nil
}

func (c *Coordinator) totalFor(f domain.Facility) int {
	if n, ok := c.capacity[strings.ToUpper(f.Code)]; ok {
		return n
	}
	return f.Capacity
}

func (c *Coordinator) invalidate(ctx context.Context, key domain.UnitKey) {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidateAvailability(ctx, key); err != nil {
		observability.LoggerFrom(ctx, c.logger).WithError(err).Warn("availability cache invalidation failed")
	}
}

func (c *Coordinator) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func (c *Coordinator) finish(span trace.Span, op string, err error) {
	observability.BookingsTotal.WithLabelValues(op, outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.Code(err))
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(domain.Code(err))
}
