package booking

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/ledger"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/robertarktes/facility-bookings/internal/reservation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeCatalog map[uuid.UUID]domain.Facility

func (c fakeCatalog) GetFacility(_ context.Context, id uuid.UUID) (domain.Facility, error) {
	f, ok := c[id]
	if !ok {
		return domain.Facility{}, errors.Wrapf(domain.ErrNotFound, "facility %s", id)
	}
	return f, nil
}

// flakyLedger fails Confirm while failConfirm is set.
type flakyLedger struct {
	*ledger.Memory
	failConfirm atomic.Bool
}

func (l *flakyLedger) Confirm(ctx context.Context, id uuid.UUID) error {
	if l.failConfirm.Load() {
		return errors.New("ledger unavailable")
	}
	return l.Memory.Confirm(ctx, id)
}

type failingCreateStore struct {
	*reservation.MemoryStore
}

func (failingCreateStore) Create(context.Context, domain.Reservation, domain.Transition) error {
	return errors.New("store down")
}

type recordingCache struct {
	mu          sync.Mutex
	units       map[string]domain.InventoryUnit
	invalidated []domain.UnitKey
}

func (c *recordingCache) GetAvailability(_ context.Context, key domain.UnitKey) (domain.InventoryUnit, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[key.String()]
	return u, ok, nil
}

func (c *recordingCache) SetAvailability(_ context.Context, u domain.InventoryUnit, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units[u.Key.String()] = u
	return nil
}

func (c *recordingCache) InvalidateAvailability(_ context.Context, key domain.UnitKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.units, key.String())
	c.invalidated = append(c.invalidated, key)
	return nil
}

type fixture struct {
	coord    *Coordinator
	clock    *clock.Manual
	ledger   *flakyLedger
	store    *reservation.MemoryStore
	machine  *reservation.Machine
	facility domain.Facility
	window   domain.Window
	refunds  atomic.Int32
	refundOK atomic.Bool
}

func newFixture(t *testing.T, capacity int, opts ...Option) *fixture {
	t.Helper()
	fx := &fixture{clock: clock.NewManual(t0)}
	fx.refundOK.Store(true)
	fx.facility = domain.Facility{
		ID:           uuid.New(),
		Type:         domain.FacilityParking,
		Code:         "CDG-P1",
		Name:         "Terminal 1 short stay",
		Capacity:     capacity,
		SlotDuration: time.Hour,
		Price:        decimal.RequireFromString("2.50"),
		Currency:     "EUR",
		Active:       true,
	}
	fx.window = domain.NewWindow(t0.Add(24*time.Hour), t0.Add(26*time.Hour))
	fx.ledger = &flakyLedger{Memory: ledger.NewMemory(fx.clock)}
	fx.store = reservation.NewMemoryStore(fx.clock)
	fx.machine = reservation.NewMachine(fx.store, fx.clock, observability.NewNopLogger())

	refunder := RefunderFunc(func(context.Context, RefundRequest) error {
		fx.refunds.Add(1)
		if !fx.refundOK.Load() {
			return errors.New("payment gateway timeout")
		}
		return nil
	})
	opts = append([]Option{WithRefunder(refunder), WithReconcileGrace(time.Minute)}, opts...)
	fx.coord = NewCoordinator(fakeCatalog{fx.facility.ID: fx.facility}, fx.ledger, fx.machine, fx.clock, observability.NewNopLogger(), opts...)
	return fx
}

func (fx *fixture) input(quantity int, hold time.Duration) CreateBookingInput {
	return CreateBookingInput{
		PassengerID:  uuid.New(),
		FacilityID:   fx.facility.ID,
		Window:       fx.window,
		Quantity:     quantity,
		HoldDuration: hold,
		Payload:      domain.ParkingDetails{VehiclePlate: "AB-123-CD"},
	}
}

func (fx *fixture) create(t *testing.T, quantity int, hold time.Duration) domain.Reservation {
	t.Helper()
	r, err := fx.coord.CreateBooking(context.Background(), fx.input(quantity, hold))
	require.NoError(t, err)
	return r
}

func (fx *fixture) pay(r domain.Reservation, tx string) PaymentConfirmation {
	return PaymentConfirmation{TransactionID: tx, Amount: r.Amount, Currency: r.Currency}
}

func (fx *fixture) availability(t *testing.T) domain.InventoryUnit {
	t.Helper()
	u, err := fx.coord.GetAvailability(context.Background(), fx.facility.ID, fx.window)
	require.NoError(t, err)
	return u
}

func TestCreateBooking_HoldsCapacity(t *testing.T) {
	fx := newFixture(t, 3)
	r := fx.create(t, 2, 10*time.Minute)

	assert.Equal(t, domain.StateHold, r.State)
	assert.Regexp(t, `^BK[0-9A-Z]{16}$`, r.ReferenceCode)
	assert.Equal(t, t0.Add(10*time.Minute), r.HoldExpiresAt)
	assert.True(t, decimal.RequireFromString("10").Equal(r.Amount), r.Amount.String())
	assert.Equal(t, "EUR", r.Currency)

	u := fx.availability(t)
	assert.Equal(t, 3, u.Total)
	assert.Equal(t, 2, u.Held)
	assert.Equal(t, 1, u.Available())

	got, err := fx.coord.GetBooking(context.Background(), r.ReferenceCode)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, domain.ParkingDetails{VehiclePlate: "AB-123-CD"}, got.Payload)
}

func TestCreateBooking_RejectsInvalidRequests(t *testing.T) {
	fx := newFixture(t, 3)
	inactive := fx.facility
	inactive.ID = uuid.New()
	inactive.Active = false
	fx.coord.catalog.(fakeCatalog)[inactive.ID] = inactive

	cases := []struct {
		name   string
		mutate func(*CreateBookingInput)
		want   error
	}{
		{"zero quantity", func(in *CreateBookingInput) { in.Quantity = 0 }, domain.ErrInvalidInput},
		{"negative hold", func(in *CreateBookingInput) { in.HoldDuration = -time.Second }, domain.ErrInvalidInput},
		{"missing passenger", func(in *CreateBookingInput) { in.PassengerID = uuid.Nil }, domain.ErrInvalidInput},
		{"unknown facility", func(in *CreateBookingInput) { in.FacilityID = uuid.New() }, domain.ErrNotFound},
		{"inactive facility", func(in *CreateBookingInput) { in.FacilityID = inactive.ID }, domain.ErrFacilityInactive},
		{"misaligned window", func(in *CreateBookingInput) {
			in.Window = domain.NewWindow(fx.window.Start.Add(time.Minute), fx.window.End)
		}, domain.ErrInvalidInput},
		{"wrong payload", func(in *CreateBookingInput) { in.Payload = domain.LoungeDetails{FlightNumber: "AF1234"} }, domain.ErrInvalidInput},
		{"missing payload", func(in *CreateBookingInput) { in.Payload = nil }, domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := fx.input(1, time.Minute)
			tc.mutate(&in)
			_, err := fx.coord.CreateBooking(context.Background(), in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 0, fx.availability(t).Held)
}

func TestCreateBooking_ConcurrentCallersNeverOverbook(t *testing.T) {
	const capacity = 5
	fx := newFixture(t, capacity)

	var ok, exhausted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.coord.CreateBooking(context.Background(), fx.input(1, time.Minute))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrNoAvailability):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), ok.Load())
	assert.Equal(t, int32(50-capacity), exhausted.Load())
	assert.Equal(t, capacity, fx.availability(t).Held)
}

func TestCreateBooking_LastUnitRace(t *testing.T) {
	fx := newFixture(t, 1)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.coord.CreateBooking(context.Background(), fx.input(1, time.Minute))
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.Equal(t, "NO_AVAILABILITY", domain.Code(err))
		}
	}
	assert.Equal(t, 1, failures)
}

func TestCreateBooking_CapacityOverride(t *testing.T) {
	fx := newFixture(t, 1, WithCapacityOverrides(map[string]int{"cdg-p1": 3}))
	fx.create(t, 3, time.Minute)
	assert.Equal(t, 3, fx.availability(t).Total)
}

func TestCreateBooking_ReleasesCapacityWhenStoreFails(t *testing.T) {
	clk := clock.NewManual(t0)
	fx := newFixture(t, 2)
	l := ledger.NewMemory(clk)
	machine := reservation.NewMachine(failingCreateStore{reservation.NewMemoryStore(clk)}, clk, observability.NewNopLogger())
	coord := NewCoordinator(fx.coord.catalog, l, machine, clk, observability.NewNopLogger())

	_, err := coord.CreateBooking(context.Background(), fx.input(2, time.Minute))
	require.Error(t, err)

	u, err := l.Availability(context.Background(), domain.KeyFor(fx.facility.ID, fx.window), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Held)
}

func TestConfirmBooking_ConfirmsCapacity(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 2)
	r := fx.create(t, 1, 10*time.Minute)

	confirmed, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, confirmed.State)
	assert.Equal(t, "tx-1", confirmed.PaymentRef)
	assert.True(t, confirmed.LedgerSynced)

	u := fx.availability(t)
	assert.Equal(t, 0, u.Held)
	assert.Equal(t, 1, u.Confirmed)

	history, err := fx.coord.History(ctx, r.ReferenceCode)
	require.NoError(t, err)
	var states []domain.State
	for _, tr := range history {
		states = append(states, tr.To)
	}
	assert.Equal(t, []domain.State{domain.StateHold, domain.StatePending, domain.StateConfirmed}, states)
}

func TestConfirmBooking_Idempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 2)
	r := fx.create(t, 1, 10*time.Minute)

	_, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	require.NoError(t, err)
	again, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, again.State)
	assert.Equal(t, 1, fx.availability(t).Confirmed)

	_, err = fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-2"))
	assert.ErrorIs(t, err, domain.ErrPaymentMismatch)
}

func TestConfirmBooking_PendingKeepsFirstTransaction(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 1)
	r := fx.create(t, 1, 10*time.Minute)

	// Left in PENDING by a confirmation that stopped before its second step.
	_, err := fx.machine.Transition(ctx, r.ID, domain.StatePending, domain.StateHold, actorPayment, reservation.WithPaymentRef("tx-1"))
	require.NoError(t, err)

	_, err = fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-2"))
	assert.ErrorIs(t, err, domain.ErrPaymentMismatch)
	got, err := fx.coord.GetBooking(ctx, r.ReferenceCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, "tx-1", got.PaymentRef)

	confirmed, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, confirmed.State)
	assert.Equal(t, "tx-1", confirmed.PaymentRef)
}

func TestConfirmBooking_PaymentMustMatch(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 2)
	r := fx.create(t, 1, 10*time.Minute)

	pay := fx.pay(r, "tx-1")
	pay.Amount = pay.Amount.Sub(decimal.NewFromInt(1))
	_, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, pay)
	assert.ErrorIs(t, err, domain.ErrPaymentMismatch)

	pay = fx.pay(r, "tx-1")
	pay.Currency = "USD"
	_, err = fx.coord.ConfirmBooking(ctx, r.ReferenceCode, pay)
	assert.ErrorIs(t, err, domain.ErrPaymentMismatch)

	_, err = fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, " "))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	got, err := fx.coord.GetBooking(ctx, r.ReferenceCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StateHold, got.State)
}

func TestConfirmBooking_ZeroHoldIsAlreadyExpired(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 1)
	r := fx.create(t, 1, 0)

	_, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	require.Error(t, err)
	assert.Equal(t, "HOLD_EXPIRED", domain.Code(err))

	got, err := fx.coord.GetBooking(ctx, r.ReferenceCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, got.State)
	assert.Equal(t, 0, fx.availability(t).Held)

	_, err = fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	assert.ErrorIs(t, err, domain.ErrHoldExpired)
}

func TestConfirmBooking_AtDeadlineIsExpired(t *testing.T) {
	fx := newFixture(t, 1)
	r := fx.create(t, 1, 5*time.Minute)

	fx.clock.Advance(5 * time.Minute)
	_, err := fx.coord.ConfirmBooking(context.Background(), r.ReferenceCode, fx.pay(r, "tx-1"))
	assert.ErrorIs(t, err, domain.ErrHoldExpired)
}

func TestConfirmBooking_LedgerFailureIsReconciled(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 1)
	r := fx.create(t, 1, 10*time.Minute)

	fx.ledger.failConfirm.Store(true)
	confirmed, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, confirmed.State)
	assert.False(t, confirmed.LedgerSynced)
	assert.Equal(t, 1, fx.availability(t).Held)

	fx.ledger.failConfirm.Store(false)
	repaired, err := fx.coord.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, repaired, "changes inside the grace period are left alone")

	fx.clock.Advance(2 * time.Minute)
	repaired, err = fx.coord.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	u := fx.availability(t)
	assert.Equal(t, 0, u.Held)
	assert.Equal(t, 1, u.Confirmed)

	got, err := fx.coord.GetBooking(ctx, r.ReferenceCode)
	require.NoError(t, err)
	assert.True(t, got.LedgerSynced)
}

func TestConfirmBooking_RetryReplaysLedger(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 1)
	r := fx.create(t, 1, 10*time.Minute)

	fx.ledger.failConfirm.Store(true)
	_, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	require.NoError(t, err)

	fx.ledger.failConfirm.Store(false)
	again, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	require.NoError(t, err)
	assert.True(t, again.LedgerSynced)
	assert.Equal(t, 1, fx.availability(t).Confirmed)
}

func TestCancelBooking_ReleasesHold(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 1)
	r := fx.create(t, 1, 10*time.Minute)

	cancelled, err := fx.coord.CancelBooking(ctx, r.ReferenceCode, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)
	assert.Equal(t, 1, fx.availability(t).Available())
	assert.Zero(t, fx.refunds.Load())

	again, err := fx.coord.CancelBooking(ctx, r.ReferenceCode, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, again.State)
	assert.Equal(t, 1, fx.availability(t).Available())

	_, err = fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelBooking_ConfirmedRefundFailureKeepsCapacity(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 1)
	r := fx.create(t, 1, 10*time.Minute)
	_, err := fx.coord.ConfirmBooking(ctx, r.ReferenceCode, fx.pay(r, "tx-1"))
	require.NoError(t, err)

	fx.refundOK.Store(false)
	_, err = fx.coord.CancelBooking(ctx, r.ReferenceCode, "flight cancelled")
	assert.ErrorIs(t, err, domain.ErrRefundFailed)

	got, err := fx.coord.GetBooking(ctx, r.ReferenceCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, got.State)
	assert.Equal(t, 1, fx.availability(t).Confirmed)

	fx.refundOK.Store(true)
	cancelled, err := fx.coord.CancelBooking(ctx, r.ReferenceCode, "flight cancelled")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)
	assert.Equal(t, int32(2), fx.refunds.Load())

	u := fx.availability(t)
	assert.Equal(t, 0, u.Confirmed)
	assert.Equal(t, 1, u.Available())
}

func TestCancelBooking_TerminalStates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 2)
	expired := fx.create(t, 1, 0)
	require.NoError(t, fx.coord.Expire(ctx, expired))

	_, err := fx.coord.CancelBooking(ctx, expired.ReferenceCode, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	done := fx.create(t, 1, time.Hour)
	_, err = fx.coord.ConfirmBooking(ctx, done.ReferenceCode, fx.pay(done, "tx-9"))
	require.NoError(t, err)
	completed, err := fx.coord.CompleteBooking(ctx, done.ReferenceCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, completed.State)

	_, err = fx.coord.CancelBooking(ctx, done.ReferenceCode, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 1, fx.availability(t).Confirmed)

	_, err = fx.coord.CancelBooking(ctx, "BK0000000000000000", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompleteBooking_RequiresConfirmed(t *testing.T) {
	fx := newFixture(t, 1)
	r := fx.create(t, 1, time.Hour)
	_, err := fx.coord.CompleteBooking(context.Background(), r.ReferenceCode)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExpire_ReleasesOverdueHolds(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 2)
	r := fx.create(t, 2, 5*time.Minute)

	err := fx.coord.Expire(ctx, r)
	assert.ErrorIs(t, err, domain.ErrStaleState, "not due yet")

	fx.clock.Advance(5 * time.Minute)
	due, err := fx.coord.DueForExpiry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, fx.coord.Expire(ctx, due[0]))

	assert.Equal(t, 2, fx.availability(t).Available())
	err = fx.coord.Expire(ctx, due[0])
	assert.ErrorIs(t, err, domain.ErrStaleState)
}

func TestGetAvailability_UsesCache(t *testing.T) {
	cache := &recordingCache{units: make(map[string]domain.InventoryUnit)}
	fx := newFixture(t, 4, WithAvailabilityCache(cache, time.Second))

	assert.Equal(t, 4, fx.availability(t).Available())
	fx.create(t, 1, time.Minute)
	require.NotEmpty(t, cache.invalidated)
	assert.Equal(t, 3, fx.availability(t).Available())

	key := domain.KeyFor(fx.facility.ID, fx.window)
	cache.units[key.String()] = domain.InventoryUnit{Key: key, Total: 4, Held: 4}
	assert.Equal(t, 0, fx.availability(t).Available(), "served from cache")
}
