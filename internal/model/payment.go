package model

import "time"

// PaymentProvider identifies how a payment attempt is settled.
type PaymentProvider string

const (
	ProviderGateway        PaymentProvider = "GATEWAY"
	ProviderManualTransfer PaymentProvider = "MANUAL_TRANSFER"
)

// PaymentStatus enumerates payment attempt states.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Payment is one settlement attempt for an order.  An order may have many
// attempts but at most one of them is ever PAID.
type Payment struct {
	ID          uint64          // payments.id
	OrderID     uint64          // payments.order_id
	Provider    PaymentProvider // payments.provider
	Status      PaymentStatus   // payments.status
	AmountCents int64           // payments.amount_cents
	ExternalID  string          // payments.external_id (our reference)
	ProviderRef *string         // payments.provider_ref (nullable)
	PaidAt      *time.Time      // payments.paid_at (nullable)
	CreatedAt   time.Time       // payments.created_at
	UpdatedAt   time.Time       // payments.updated_at
}

// OverdueTransfer is a row of the manual-transfer overdue report.
type OverdueTransfer struct {
	OrderID     uint64
	OrderNumber string
	Email       string
	AmountCents int64
	PaymentID   uint64
	RequestedAt time.Time
}
