package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/domain"
)

// MemoryStore keeps reservations in process. Apply is the compare-and-set on state.
type MemoryStore struct {
	clock clock.Clock

	mu          sync.RWMutex
	byID        map[uuid.UUID]*domain.Reservation
	byRef       map[string]uuid.UUID
	transitions map[uuid.UUID][]domain.Transition
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:       clk,
		byID:        make(map[uuid.UUID]*domain.Reservation),
		byRef:       make(map[string]uuid.UUID),
		transitions: make(map[uuid.UUID][]domain.Transition),
	}
}

// write runs fn under the store lock with the timestamp every mutation in it must carry.
func (s *MemoryStore) write(fn func(now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.clock.Now())
}

func (s *MemoryStore) Create(ctx context.Context, r domain.Reservation, t domain.Transition) error {
	return s.write(func(now time.Time) error {
		if _, ok := s.byID[r.ID]; ok {
			return errors.Wrapf(domain.ErrConflict, "reservation %s exists", r.ID)
		}
		if _, ok := s.byRef[r.ReferenceCode]; ok {
			return errors.Wrapf(domain.ErrConflict, "reference %s in use", r.ReferenceCode)
		}
		r.Touch(now)
		s.byID[r.ID] = &r
		s.byRef[r.ReferenceCode] = r.ID
		s.transitions[r.ID] = append(s.transitions[r.ID], t)
		return nil
	})
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return domain.Reservation{}, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	return *r, nil
}

func (s *MemoryStore) GetByReference(ctx context.Context, ref string) (domain.Reservation, error) {
	s.mu.RLock()
	id, ok := s.byRef[ref]
	s.mu.RUnlock()
	if !ok {
		return domain.Reservation{}, errors.Wrapf(domain.ErrNotFound, "reference %s", ref)
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Apply(ctx context.Context, id uuid.UUID, c Change, t domain.Transition) (domain.Reservation, error) {
	var out domain.Reservation
	err := s.write(func(now time.Time) error {
		r, ok := s.byID[id]
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
		}
		if r.State != c.From {
			return errors.Wrapf(domain.ErrStaleState, "reservation %s is %s, expected %s", id, r.State, c.From)
		}
		r.State = c.To
		if c.PaymentRef != "" {
			r.PaymentRef = c.PaymentRef
		}
		if c.LedgerSynced != nil {
			r.LedgerSynced = *c.LedgerSynced
		}
		r.Touch(now)
		s.transitions[id] = append(s.transitions[id], t)
		out = *r
		return nil
	})
	return out, err
}

func (s *MemoryStore) MarkLedgerSynced(ctx context.Context, id uuid.UUID, state domain.State) error {
	return s.write(func(now time.Time) error {
		r, ok := s.byID[id]
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
		}
		if r.State != state {
			return errors.Wrapf(domain.ErrStaleState, "reservation %s is %s, expected %s", id, r.State, state)
		}
		if !r.LedgerSynced {
			r.LedgerSynced = true
			r.Touch(now)
		}
		return nil
	})
}

func (s *MemoryStore) ListExpiring(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	return s.list(limit, func(r *domain.Reservation) bool {
		return r.State.HoldsCapacity() && r.HoldExpired(now)
	}, func(a, b domain.Reservation) bool {
		return a.HoldExpiresAt.Before(b.HoldExpiresAt)
	})
}

func (s *MemoryStore) ListUnsynced(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Reservation, error) {
	return s.list(limit, func(r *domain.Reservation) bool {
		return !r.LedgerSynced && r.State.LedgerAction() != domain.LedgerNone && !r.UpdatedAt.After(updatedBefore)
	}, func(a, b domain.Reservation) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
}

func (s *MemoryStore) list(limit int, keep func(*domain.Reservation) bool, less func(a, b domain.Reservation) bool) ([]domain.Reservation, error) {
	s.mu.RLock()
	var out []domain.Reservation
	for _, r := range s.byID {
		if keep(r) {
			out = append(out, *r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Transitions(ctx context.Context, id uuid.UUID) ([]domain.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byID[id]; !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	out := make([]domain.Transition, len(s.transitions[id]))
	copy(out, s.transitions[id])
	return out, nil
}
