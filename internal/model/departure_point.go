package model

// DeparturePoint is a pickup location offered for a trip.
type DeparturePoint struct {
	ID     uint64 // departure_points.id
	TripID uint64 // departure_points.trip_id
	Name   string // departure_points.name
}
