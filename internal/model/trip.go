package model

import "time"

// Availability is the booking state of a trip.
type Availability string

const (
	AvailabilityOpen     Availability = "OPEN"
	AvailabilityWaitlist Availability = "WAITLIST"
	AvailabilityClosed   Availability = "CLOSED"
)

// Trip is the inventory unit customers reserve seats on.  SeatsLeft is
// only ever changed by the conditional claim and release statements of
// the trip repository; nothing else writes it.
//
// Fields:
//  ID             – primary key identifier.
//  Title          – display name of the package.
//  PriceCents     – current unit price; carts snapshot it.
//  Capacity       – total seats, never negative.
//  SeatsLeft      – remaining seats in [0, Capacity].
//  Availability   – OPEN, WAITLIST or CLOSED.
//  ManuallyClosed – set by an operator; blocks automatic reopening.
//  DepartsAt      – departure timestamp (UTC).
type Trip struct {
	ID             uint64       // trips.id
	Title          string       // trips.title
	PriceCents     int64        // trips.price_cents
	Capacity       int          // trips.capacity
	SeatsLeft      int          // trips.seats_left
	Availability   Availability // trips.availability
	ManuallyClosed bool         // trips.manually_closed
	DepartsAt      time.Time    // trips.departs_at
	UpdatedAt      time.Time    // trips.updated_at
}

// Bookable reports whether new seat claims may succeed on this trip.
func (t Trip) Bookable() bool {
	return t.Availability == AvailabilityOpen && t.SeatsLeft > 0
}
