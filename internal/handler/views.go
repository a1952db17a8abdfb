package handler

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/service"
)

type cartLineView struct {
	TripID           uint64  `json:"trip_id"`
	Qty              int     `json:"qty"`
	DeparturePointID *uint64 `json:"departure_point_id,omitempty"`
	UnitPriceCents   int64   `json:"unit_price_cents"`
}

type sessionView struct {
	ID             string              `json:"session_id"`
	CustomerEmail  string              `json:"customer_email"`
	Cart           []cartLineView      `json:"cart"`
	Verified       bool                `json:"identity_verified"`
	PointsReserved int64               `json:"points_reserved"`
	TotalCents     int64               `json:"total_cents"`
	DiscountCents  int64               `json:"discount_cents"`
	ExpiresAt      time.Time           `json:"expires_at"`
	Status         model.SessionStatus `json:"status"`
}

func toSessionView(s model.CheckoutSession) (sessionView, error) {
	v := sessionView{
		ID:             s.ID,
		CustomerEmail:  s.CustomerEmail,
		Verified:       s.BoundUserID != nil,
		PointsReserved: s.PointsReserved,
		TotalCents:     s.Cart.TotalCents(),
		DiscountCents:  model.DiscountCents(s.PointsReserved),
		ExpiresAt:      s.ExpiresAt,
		Status:         s.Status,
	}
	if err := copier.Copy(&v.Cart, &s.Cart); err != nil {
		return v, fmt.Errorf("map cart of session %s: %w", s.ID, err)
	}
	if v.Cart == nil {
		v.Cart = []cartLineView{}
	}
	return v, nil
}

type orderItemView struct {
	TripID           uint64            `json:"trip_id"`
	DeparturePointID *uint64           `json:"departure_point_id,omitempty"`
	Qty              int               `json:"qty"`
	UnitPriceCents   int64             `json:"unit_price_cents"`
	Passengers       []model.Passenger `json:"passengers"`
}

type paymentView struct {
	ID          uint64                `json:"id"`
	Provider    model.PaymentProvider `json:"provider"`
	Status      model.PaymentStatus   `json:"status"`
	AmountCents int64                 `json:"amount_cents"`
	ExternalID  string                `json:"external_id"`
	PaidAt      *time.Time            `json:"paid_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

type orderView struct {
	ID            uint64            `json:"id"`
	OrderNumber   string            `json:"order_number"`
	Status        model.OrderStatus `json:"status"`
	SubtotalCents int64             `json:"subtotal_cents"`
	PointsUsed    int64             `json:"points_used"`
	TotalCents    int64             `json:"total_cents"`
	Email         string            `json:"email"`
	FirstName     string            `json:"first_name"`
	LastName      string            `json:"last_name"`
	Phone         string            `json:"phone,omitempty"`
	Items         []orderItemView   `json:"items"`
	Payments      []paymentView     `json:"payments,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
}

// toOrderView maps an order and its attempts; copier matches fields by
// name, which deliberately leaves out session and user ids.
func toOrderView(o model.Order, payments []model.Payment) (orderView, error) {
	var v orderView
	if err := copier.Copy(&v, &o); err != nil {
		return v, fmt.Errorf("map order %d: %w", o.ID, err)
	}
	if err := copier.Copy(&v.Payments, &payments); err != nil {
		return v, fmt.Errorf("map payments of order %d: %w", o.ID, err)
	}
	return v, nil
}

type tripView struct {
	ID           uint64             `json:"id"`
	Title        string             `json:"title"`
	PriceCents   int64              `json:"price_cents"`
	Capacity     int                `json:"capacity"`
	SeatsLeft    int                `json:"seats_left"`
	Availability model.Availability `json:"availability"`
	Bookable     bool               `json:"bookable"`
	DepartsAt    time.Time          `json:"departs_at"`
}

func toTripView(t model.Trip) (tripView, error) {
	var v tripView
	if err := copier.Copy(&v, &t); err != nil {
		return v, fmt.Errorf("map trip %d: %w", t.ID, err)
	}
	v.Bookable = t.Bookable()
	return v, nil
}

type cartItemReq struct {
	TripID           uint64  `json:"trip_id" validate:"required"`
	Qty              int     `json:"qty" validate:"required,min=1"`
	DeparturePointID *uint64 `json:"departure_point_id"`
}

func toCartItems(in []cartItemReq) ([]service.CartItem, error) {
	var out []service.CartItem
	if err := copier.Copy(&out, &in); err != nil {
		return nil, fmt.Errorf("map cart request: %w", err)
	}
	return out, nil
}
