package model

import "time"

// OrderStatus enumerates order states.
type OrderStatus string

const (
	OrderDraft     OrderStatus = "DRAFT"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Passenger is a traveller attached to an order item.
type Passenger struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	BirthDate string `json:"birth_date,omitempty"`
}

// OrderItem is one reserved trip line.  UnitPriceCents is the snapshot
// taken from the session cart.
type OrderItem struct {
	ID               uint64      // order_items.id
	OrderID          uint64      // order_items.order_id
	TripID           uint64      // order_items.trip_id
	DeparturePointID *uint64     // order_items.departure_point_id (nullable)
	Qty              int         // order_items.qty
	UnitPriceCents   int64       // order_items.unit_price_cents
	Passengers       []Passenger // order_items.passengers_json
}

// Order is the durable result of a completed checkout.
//
// Fields:
//  OrderNumber       – human readable, globally unique reference.
//  SubtotalCents     – cart total before the points discount.
//  PointsUsed        – points actually spent on this order.
//  TotalCents        – amount due after the discount.
//  CheckoutSessionID – the session this order was created from (1:1).
//  UserID            – account credited with earned points, if any.
type Order struct {
	ID                uint64      // orders.id
	OrderNumber       string      // orders.order_number
	Status            OrderStatus // orders.status
	SubtotalCents     int64       // orders.subtotal_cents
	PointsUsed        int64       // orders.points_used
	TotalCents        int64       // orders.total_cents
	CheckoutSessionID string      // orders.checkout_session_id
	UserID            *uint64     // orders.user_id (nullable)
	Email             string      // orders.email
	FirstName         string      // orders.first_name
	LastName          string      // orders.last_name
	Phone             string      // orders.phone
	Items             []OrderItem
	CreatedAt         time.Time  // orders.created_at
	UpdatedAt         time.Time  // orders.updated_at
	CancelledAt       *time.Time // orders.cancelled_at (nullable)
}
