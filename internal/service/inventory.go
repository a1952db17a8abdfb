package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/store"
	"github.com/iliyamo/trip-checkout/internal/telemetry"
)

// Inventory claims and releases trip seats.  It never reads a count and
// writes it back; the store's conditional update decides.
type Inventory struct {
	metrics *telemetry.Metrics
}

// ClaimSeats takes qty seats of a trip or fails with a capacity error.
// The error reports the seats this request saw before its claim; under
// concurrent checkouts that is what the losing customer was shown.
func (i *Inventory) ClaimSeats(ctx context.Context, tx store.Tx, tripID uint64, qty int) error {
	if qty < 1 {
		return Validation("invalid_qty", "quantity must be at least 1")
	}
	trip, err := tx.GetTrip(ctx, tripID)
	if errors.Is(err, store.ErrNotFound) {
		return NotFound("trip_not_found", fmt.Sprintf("trip %d not found", tripID))
	}
	if err != nil {
		return err
	}
	ok, err := tx.ClaimSeats(ctx, tripID, qty)
	if err != nil {
		return fmt.Errorf("claim seats on trip %d: %w", tripID, err)
	}
	i.metrics.SeatClaim(ctx, ok)
	if ok {
		return nil
	}
	seatsLeft := trip.SeatsLeft
	if trip.Availability != model.AvailabilityOpen {
		seatsLeft = 0
	}
	return CapacityError(tripID, qty, seatsLeft)
}

// ReleaseSeats returns seats to a trip.  Callers guarantee that each
// claim is released at most once.
func (i *Inventory) ReleaseSeats(ctx context.Context, tx store.Tx, tripID uint64, qty int) error {
	if qty < 1 {
		return nil
	}
	if err := tx.ReleaseSeats(ctx, tripID, qty); err != nil {
		return fmt.Errorf("release seats on trip %d: %w", tripID, err)
	}
	return nil
}
