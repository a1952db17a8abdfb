package model

import "time"

// SessionStatus enumerates checkout session states.  PAID means the cart
// checkout was completed (an order exists); payment settlement is tracked
// on the order and its payments.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionPaid      SessionStatus = "PAID"
	SessionExpired   SessionStatus = "EXPIRED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// CartLine is one entry of the cart snapshot stored on a session.
type CartLine struct {
	TripID           uint64  `json:"trip_id"`
	Qty              int     `json:"qty"`
	DeparturePointID *uint64 `json:"departure_point_id,omitempty"`
	UnitPriceCents   int64   `json:"unit_price_cents"`
}

// Cart is the ordered list of cart lines.
type Cart []CartLine

// TotalCents sums qty * unit price over all lines.
func (c Cart) TotalCents() int64 {
	var total int64
	for _, l := range c {
		total += int64(l.Qty) * l.UnitPriceCents
	}
	return total
}

// CheckoutSession is a short-lived cart snapshot keyed by an opaque id.
//
// Fields:
//  ID             – UUID string handed to the client.
//  CustomerEmail  – normalized email typed by the customer.
//  Cart           – ordered cart snapshot (JSON column).
//  BoundUserID    – verified identity; set by magic-link redemption or
//                   at order finalization only.
//  PointsReserved – clamped points the customer intends to spend.
//  ExpiresAt      – hard deadline for the PENDING state.
//  Status         – PENDING, PAID, EXPIRED or CANCELLED.
type CheckoutSession struct {
	ID             string        // checkout_sessions.id
	CustomerEmail  string        // checkout_sessions.customer_email
	Cart           Cart          // checkout_sessions.cart_json
	BoundUserID    *uint64       // checkout_sessions.bound_user_id (nullable)
	PointsReserved int64         // checkout_sessions.points_reserved
	ExpiresAt      time.Time     // checkout_sessions.expires_at
	Status         SessionStatus // checkout_sessions.status
	CreatedAt      time.Time     // checkout_sessions.created_at
	UpdatedAt      time.Time     // checkout_sessions.updated_at
}

// IsExpiredAt reports whether a PENDING session has passed its deadline.
func (s CheckoutSession) IsExpiredAt(now time.Time) bool {
	return s.Status == SessionPending && !now.Before(s.ExpiresAt)
}
