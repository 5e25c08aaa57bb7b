// Package ledger tracks allocatable capacity per facility window.
//
// Every operation on one unit is linearizable; different units never contend.
package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/domain"
)

// Ledger is implemented by Memory and by the CockroachDB adapter.
type Ledger interface {
	// Reserve takes quantity units from the unit identified by key, creating it with total on first use.
	// Fails with domain.ErrCapacityExhausted and no side effect when held+confirmed+quantity > total.
	Reserve(ctx context.Context, key domain.UnitKey, total, quantity int) (domain.HoldToken, error)
	// Confirm moves a token's quantity from held to confirmed. Confirming twice is a no-op.
	Confirm(ctx context.Context, token uuid.UUID) error
	// Release returns a token's quantity to the pool. Releasing twice is a no-op.
	Release(ctx context.Context, token uuid.UUID) error
	// Availability reports the unit's counters; an unknown unit reports total free capacity.
	Availability(ctx context.Context, key domain.UnitKey, total int) (domain.InventoryUnit, error)
}
