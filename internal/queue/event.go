// Package queue carries order lifecycle events over RabbitMQ.  Each event
// type has its own durable queue named after the routing key.
package queue

import "time"

// Event types double as queue names.
const (
	OrderConfirmed = "order.confirmed"
	OrderCancelled = "order.cancelled"
)

// OrderEvent is published after the transaction that changed the order
// has committed.  It carries what consumers need to notify the customer
// without reading the database.
type OrderEvent struct {
	Type         string    `json:"type"`
	OrderID      uint64    `json:"order_id"`
	OrderNumber  string    `json:"order_number"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	TotalCents   int64     `json:"total_cents"`
	PointsUsed   int64     `json:"points_used"`
	PointsEarned int64     `json:"points_earned"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
