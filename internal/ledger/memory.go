package ledger

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/domain"
)

type unit struct {
	mu   sync.Mutex
	data domain.InventoryUnit
}

type token struct {
	unit *unit
	// guarded by unit.mu
	data domain.HoldToken
}

// Memory is a process-local Ledger. Each unit carries its own mutex; the maps are only
// locked long enough to find or insert an entry.
type Memory struct {
	clock clock.Clock

	mu     sync.RWMutex
	units  map[string]*unit
	tokens map[uuid.UUID]*token
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:  clk,
		units:  make(map[string]*unit),
		tokens: make(map[uuid.UUID]*token),
	}
}

func (m *Memory) unitFor(key domain.UnitKey, total int) *unit {
	k := key.String()
	m.mu.RLock()
	u, ok := m.units[k]
	m.mu.RUnlock()
	if ok {
		return u
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok = m.units[k]; ok {
		return u
	}
	u = &unit{data: domain.InventoryUnit{ID: uuid.New(), Key: key, Total: total, UpdatedAt: m.clock.Now()}}
	m.units[k] = u
	return u
}

func (m *Memory) tokenFor(id uuid.UUID) (*token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	return t, ok
}

func (m *Memory) Reserve(ctx context.Context, key domain.UnitKey, total, quantity int) (domain.HoldToken, error) {
	if quantity <= 0 {
		return domain.HoldToken{}, errors.Wrap(domain.ErrInvalidInput, "quantity must be positive")
	}
	u := m.unitFor(key, total)

	u.mu.Lock()
	if u.data.Held+u.data.Confirmed+quantity > u.data.Total {
		u.mu.Unlock()
		return domain.HoldToken{}, errors.Wrapf(domain.ErrCapacityExhausted, "unit %s", key)
	}
	u.data.Held += quantity
	u.data.UpdatedAt = m.clock.Now()
	t := &token{unit: u, data: domain.HoldToken{ID: uuid.New(), Key: key, Quantity: quantity, Status: domain.TokenHeld}}
	snapshot := t.data
	u.mu.Unlock()

	m.mu.Lock()
	m.tokens[snapshot.ID] = t
	m.mu.Unlock()
	return snapshot, nil
}

func (m *Memory) Confirm(ctx context.Context, id uuid.UUID) error {
	t, ok := m.tokenFor(id)
	if !ok {
		return errors.Wrapf(domain.ErrTokenNotFound, "token %s", id)
	}
	u := t.unit
	u.mu.Lock()
	defer u.mu.Unlock()

	switch t.data.Status {
	case domain.TokenConfirmed:
		return nil
	case domain.TokenReleased:
		return errors.Wrapf(domain.ErrTokenNotFound, "token %s already released", id)
	}
	u.data.Held -= t.data.Quantity
	u.data.Confirmed += t.data.Quantity
	u.data.UpdatedAt = m.clock.Now()
	t.data.Status = domain.TokenConfirmed
	return nil
}

func (m *Memory) Release(ctx context.Context, id uuid.UUID) error {
	t, ok := m.tokenFor(id)
	if !ok {
		return errors.Wrapf(domain.ErrTokenNotFound, "token %s", id)
	}
	u := t.unit
	u.mu.Lock()
	defer u.mu.Unlock()

	switch t.data.Status {
	case domain.TokenReleased:
		return nil
	case domain.TokenHeld:
		u.data.Held -= t.data.Quantity
	case domain.TokenConfirmed:
		u.data.Confirmed -= t.data.Quantity
	}
	u.data.UpdatedAt = m.clock.Now()
	t.data.Status = domain.TokenReleased
	return nil
}

func (m *Memory) Availability(ctx context.Context, key domain.UnitKey, total int) (domain.InventoryUnit, error) {
	m.mu.RLock()
	u, ok := m.units[key.String()]
	m.mu.RUnlock()
	if !ok {
		return domain.InventoryUnit{Key: key, Total: total}, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data, nil
}

// Token returns a copy of a token, mainly for reconciliation and tests.
func (m *Memory) Token(id uuid.UUID) (domain.HoldToken, bool) {
	t, ok := m.tokenFor(id)
	if !ok {
		return domain.HoldToken{}, false
	}
	t.unit.mu.Lock()
	defer t.unit.mu.Unlock()
	return t.data, true
}
