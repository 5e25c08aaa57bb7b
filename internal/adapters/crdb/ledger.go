package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/facility-bookings/internal/domain"
)

// Ledger keeps inventory counters in inventory_units and one row per hold token in capacity_tokens.
// The capacity check is a conditional UPDATE, so it holds under concurrent writers.
type Ledger struct {
	repo *Repository
}

func NewLedger(repo *Repository) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) Reserve(ctx context.Context, key domain.UnitKey, total, quantity int) (domain.HoldToken, error) {
	if quantity <= 0 {
		return domain.HoldToken{}, errors.Wrap(domain.ErrInvalidInput, "quantity must be positive")
	}
	token := domain.HoldToken{ID: uuid.New(), Key: key, Quantity: quantity, Status: domain.TokenHeld}

	err := l.repo.WithTx(ctx, func(tx pgx.Tx, now time.Time) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO inventory_units (facility_id, window_start, window_end, total, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (facility_id, window_start, window_end) DO NOTHING
		`, key.FacilityID, key.Start, key.End, total, now)
		if err != nil {
			return err
		}

		var unitID uuid.UUID
		err = tx.QueryRow(ctx, `
			UPDATE inventory_units SET held = held + $4, updated_at = $5
			WHERE facility_id = $1 AND window_start = $2 AND window_end = $3
			  AND held + confirmed + $4 <= total
			RETURNING id
		`, key.FacilityID, key.Start, key.End, quantity, now).Scan(&unitID)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrCapacityExhausted, "unit %s", key)
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO capacity_tokens (id, unit_id, quantity, status, created_at, updated_at)
			VALUES ($1, $2, $3, 'held', $4, $4)
		`, token.ID, unitID, quantity, now)
		return err
	})
	if err != nil {
		return domain.HoldToken{}, err
	}
	return token, nil
}

func (l *Ledger) Confirm(ctx context.Context, id uuid.UUID) error {
	return l.repo.WithTx(ctx, func(tx pgx.Tx, now time.Time) error {
		unitID, quantity, status, err := lockToken(ctx, tx, id)
		if err != nil {
			return err
		}
		switch status {
		case domain.TokenConfirmed:
			return nil
		case domain.TokenReleased:
			return errors.Wrapf(domain.ErrTokenNotFound, "token %s already released", id)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE inventory_units SET held = held - $2, confirmed = confirmed + $2, updated_at = $3 WHERE id = $1
		`, unitID, quantity, now); err != nil {
			return err
		}
		return setTokenStatus(ctx, tx, id, domain.TokenConfirmed, now)
	})
}

func (l *Ledger) Release(ctx context.Context, id uuid.UUID) error {
	return l.repo.WithTx(ctx, func(tx pgx.Tx, now time.Time) error {
		unitID, quantity, status, err := lockToken(ctx, tx, id)
		if err != nil {
			return err
		}
		var column string
		switch status {
		case domain.TokenReleased:
			return nil
		case domain.TokenHeld:
			column = "held"
		case domain.TokenConfirmed:
			column = "confirmed"
		}
		if _, err := tx.Exec(ctx, `
			UPDATE inventory_units SET `+column+` = `+column+` - $2, updated_at = $3 WHERE id = $1
		`, unitID, quantity, now); err != nil {
			return err
		}
		return setTokenStatus(ctx, tx, id, domain.TokenReleased, now)
	})
}

func (l *Ledger) Availability(ctx context.Context, key domain.UnitKey, total int) (domain.InventoryUnit, error) {
	u := domain.InventoryUnit{Key: key}
	err := l.repo.pool.QueryRow(ctx, `
		SELECT id, total, held, confirmed, updated_at FROM inventory_units
		WHERE facility_id = $1 AND window_start = $2 AND window_end = $3
	`, key.FacilityID, key.Start, key.End).Scan(&u.ID, &u.Total, &u.Held, &u.Confirmed, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.InventoryUnit{Key: key, Total: total}, nil
	}
	if err != nil {
		return domain.InventoryUnit{}, errors.Wrapf(err, "read unit %s", key)
	}
	return u, nil
}

// Token returns a hold token as stored.
func (l *Ledger) Token(ctx context.Context, id uuid.UUID) (domain.HoldToken, error) {
	t := domain.HoldToken{ID: id}
	var status string
	err := l.repo.pool.QueryRow(ctx, `
		SELECT u.facility_id, u.window_start, u.window_end, t.quantity, t.status
		FROM capacity_tokens t JOIN inventory_units u ON u.id = t.unit_id
		WHERE t.id = $1
	`, id).Scan(&t.Key.FacilityID, &t.Key.Start, &t.Key.End, &t.Quantity, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HoldToken{}, errors.Wrapf(domain.ErrTokenNotFound, "token %s", id)
	}
	if err != nil {
		return domain.HoldToken{}, err
	}
	t.Key = domain.UnitKey{FacilityID: t.Key.FacilityID, Start: t.Key.Start.UTC(), End: t.Key.End.UTC()}
	t.Status = domain.TokenStatus(status)
	return t, nil
}

func lockToken(ctx context.Context, tx pgx.Tx, id uuid.UUID) (uuid.UUID, int, domain.TokenStatus, error) {
	var (
		unitID   uuid.UUID
		quantity int
		status   string
	)
	err := tx.QueryRow(ctx, `
		SELECT unit_id, quantity, status FROM capacity_tokens WHERE id = $1 FOR UPDATE
	`, id).Scan(&unitID, &quantity, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, 0, "", errors.Wrapf(domain.ErrTokenNotFound, "token %s", id)
	}
	return unitID, quantity, domain.TokenStatus(status), err
}

func setTokenStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.TokenStatus, now time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE capacity_tokens SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), now)
	return err
}
