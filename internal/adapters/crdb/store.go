package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/reservation"
	"github.com/shopspring/decimal"
)

const bookingColumns = `id, reference_code, passenger_id, facility_id, facility_type, window_start, window_end,
	quantity, state, hold_token, hold_expires_at, amount::STRING, currency, payment_ref, ledger_synced, payload,
	created_at, updated_at`

// Store persists reservations in bookings and their history in booking_transitions. Every
// transition also enqueues its notification in the outbox within the same transaction.
type Store struct {
	repo *Repository
}

func NewStore(repo *Repository) *Store {
	return &Store{repo: repo}
}

func (s *Store) Create(ctx context.Context, r domain.Reservation, t domain.Transition) error {
	payload, err := domain.EncodePayload(r.Payload)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(tx pgx.Tx, now time.Time) error {
		r.Touch(now)
		_, err := tx.Exec(ctx, `
			INSERT INTO bookings (`+bookingColumnsInsert+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::DECIMAL, $13, $14, $15, $16, $17, $18)
		`, r.ID, r.ReferenceCode, r.PassengerID, r.FacilityID, string(r.FacilityType), r.Unit.Start, r.Unit.End,
			r.Quantity, string(r.State), r.HoldToken, r.HoldExpiresAt, r.Amount.String(), r.Currency, r.PaymentRef,
			r.LedgerSynced, payload, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return err
		}
		return s.appendTransition(ctx, tx, r, t)
	})
}

const bookingColumnsInsert = `id, reference_code, passenger_id, facility_id, facility_type, window_start, window_end,
	quantity, state, hold_token, hold_expires_at, amount, currency, payment_ref, ledger_synced, payload,
	created_at, updated_at`

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	r, err := scanReservation(s.repo.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return domain.Reservation{}, notFound(err, "reservation %s", id)
	}
	return r, nil
}

func (s *Store) GetByReference(ctx context.Context, ref string) (domain.Reservation, error) {
	r, err := scanReservation(s.repo.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE reference_code = $1`, ref))
	if err != nil {
		return domain.Reservation{}, notFound(err, "reference %s", ref)
	}
	return r, nil
}

func (s *Store) Apply(ctx context.Context, id uuid.UUID, c reservation.Change, t domain.Transition) (domain.Reservation, error) {
	var out domain.Reservation
	err := s.repo.WithTx(ctx, func(tx pgx.Tx, now time.Time) error {
		r, err := scanReservation(tx.QueryRow(ctx, `
			UPDATE bookings SET
				state = $3,
				payment_ref = CASE WHEN $4::STRING = '' THEN payment_ref ELSE $4::STRING END,
				ledger_synced = COALESCE($5::BOOL, ledger_synced),
				updated_at = $6
			WHERE id = $1 AND state = $2
			RETURNING `+bookingColumns,
			id, string(c.From), string(c.To), c.PaymentRef, c.LedgerSynced, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return staleOrMissing(ctx, tx, id, c.From)
		}
		if err != nil {
			return err
		}
		if err := s.appendTransition(ctx, tx, r, t); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Store) MarkLedgerSynced(ctx context.Context, id uuid.UUID, state domain.State) error {
	return s.repo.WithTx(ctx, func(tx pgx.Tx, now time.Time) error {
		tag, err := tx.Exec(ctx, `
			UPDATE bookings SET ledger_synced = true, updated_at = $3
			WHERE id = $1 AND state = $2 AND NOT ledger_synced
		`, id, string(state), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var current string
			var synced bool
			err := tx.QueryRow(ctx, `SELECT state, ledger_synced FROM bookings WHERE id = $1`, id).Scan(&current, &synced)
			if err != nil {
				return notFound(err, "reservation %s", id)
			}
			if domain.State(current) != state {
				return errors.Wrapf(domain.ErrStaleState, "reservation %s is %s, expected %s", id, current, state)
			}
		}
		return nil
	})
}

func (s *Store) ListExpiring(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	return s.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE state IN ('HOLD', 'PENDING') AND hold_expires_at <= $1
		ORDER BY hold_expires_at ASC LIMIT $2
	`, now, limit)
}

func (s *Store) ListUnsynced(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Reservation, error) {
	return s.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE NOT ledger_synced AND state IN ('CONFIRMED', 'COMPLETED', 'CANCELLED', 'EXPIRED') AND updated_at <= $1
		ORDER BY updated_at ASC LIMIT $2
	`, updatedBefore, limit)
}

func (s *Store) Transitions(ctx context.Context, id uuid.UUID) ([]domain.Transition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.repo.pool.Query(ctx, `
		SELECT id, booking_id, from_state, to_state, at, actor, reason
		FROM booking_transitions WHERE booking_id = $1 ORDER BY at ASC, seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var (
			t        domain.Transition
			from, to string
		)
		if err := rows.Scan(&t.ID, &t.ReservationID, &from, &to, &t.At, &t.Actor, &t.Reason); err != nil {
			return nil, err
		}
		t.From, t.To = domain.State(from), domain.State(to)
		t.At = t.At.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) list(ctx context.Context, query string, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := s.repo.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) appendTransition(ctx context.Context, tx pgx.Tx, r domain.Reservation, t domain.Transition) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO booking_transitions (id, booking_id, from_state, to_state, at, actor, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.ReservationID, string(t.From), string(t.To), t.At, t.Actor, t.Reason)
	if err != nil {
		return err
	}
	rec, ok, err := newBookingOutboxRecord(r, t)
	if err != nil || !ok {
		return err
	}
	return s.repo.InsertOutbox(ctx, tx, rec)
}

func staleOrMissing(ctx context.Context, tx pgx.Tx, id uuid.UUID, expected domain.State) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT state FROM bookings WHERE id = $1`, id).Scan(&current)
	if err != nil {
		return notFound(err, "reservation %s", id)
	}
	return errors.Wrapf(domain.ErrStaleState, "reservation %s is %s, expected %s", id, current, expected)
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		r                   domain.Reservation
		facilityType, state string
		amount              string
		payload             []byte
	)
	err := row.Scan(&r.ID, &r.ReferenceCode, &r.PassengerID, &r.FacilityID, &facilityType, &r.Unit.Start, &r.Unit.End,
		&r.Quantity, &state, &r.HoldToken, &r.HoldExpiresAt, &amount, &r.Currency, &r.PaymentRef, &r.LedgerSynced, &payload,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.Reservation{}, err
	}
	r.FacilityType = domain.FacilityType(facilityType)
	r.State = domain.State(state)
	r.Unit.FacilityID = r.FacilityID
	r.Unit.Start, r.Unit.End = r.Unit.Start.UTC(), r.Unit.End.UTC()
	r.HoldExpiresAt = r.HoldExpiresAt.UTC()
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "amount of %s", r.ReferenceCode)
	}
	if r.Payload, err = domain.DecodePayload(payload); err != nil {
		return domain.Reservation{}, err
	}
	return r, nil
}
