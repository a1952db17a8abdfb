package repository

import (
	"context"

	"github.com/iliyamo/trip-checkout/internal/model"
)

const tripColumns = `id, title, price_cents, capacity, seats_left, availability, manually_closed, departs_at, updated_at`

// GetTrip loads a trip without locking it.  Seat counts read here are
// informational; only ClaimSeats decides whether seats are available.
func (t *sqlTx) GetTrip(ctx context.Context, id uint64) (model.Trip, error) {
	var tr model.Trip
	err := t.tx.QueryRowContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE id = ? LIMIT 1`, id,
	).Scan(&tr.ID, &tr.Title, &tr.PriceCents, &tr.Capacity, &tr.SeatsLeft,
		&tr.Availability, &tr.ManuallyClosed, &tr.DepartsAt, &tr.UpdatedAt)
	return tr, translate(err)
}

func (t *sqlTx) DeparturePointExists(ctx context.Context, tripID, pointID uint64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM departure_points WHERE id = ? AND trip_id = ?)`,
		pointID, tripID,
	).Scan(&exists)
	return exists, err
}

// ClaimSeats is a compare-and-decrement on the trip row.  MySQL evaluates
// single-table SET assignments left to right, so the availability
// expression sees the decremented seats_left and the trip closes in the
// same statement that takes its last seat.
func (t *sqlTx) ClaimSeats(ctx context.Context, tripID uint64, qty int) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE trips
		    SET seats_left = seats_left - ?,
		        availability = IF(seats_left = 0, 'CLOSED', availability)
		  WHERE id = ? AND seats_left >= ? AND availability = 'OPEN'`,
		qty, tripID, qty,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseSeats returns seats, never above capacity, and reopens a trip
// that was closed only because it sold out.
func (t *sqlTx) ReleaseSeats(ctx context.Context, tripID uint64, qty int) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE trips
		    SET seats_left = LEAST(capacity, seats_left + ?),
		        availability = IF(availability = 'CLOSED' AND manually_closed = 0 AND seats_left > 0, 'OPEN', availability)
		  WHERE id = ?`,
		qty, tripID,
	)
	return err
}
