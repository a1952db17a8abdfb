package service

import (
	"context"
	"errors"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/store"
)

// TripService answers availability reads for the storefront.
type TripService struct {
	*Core
}

func NewTripService(core *Core) *TripService { return &TripService{Core: core} }

// Availability returns the current seat count and state of a trip.
func (s *TripService) Availability(ctx context.Context, id uint64) (model.Trip, error) {
	var trip model.Trip
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		trip, err = tx.GetTrip(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return NotFound("trip_not_found", "trip not found")
		}
		return err
	})
	return trip, err
}
