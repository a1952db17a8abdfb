package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/payment"
	"github.com/iliyamo/trip-checkout/internal/service"
)

// Orders is the order and payment reconciler.
type Orders interface {
	CreateOrder(ctx context.Context, in service.CreateOrderInput) (model.Order, error)
	GetOrder(ctx context.Context, number string) (service.OrderDetails, error)
	StartGatewayPayment(ctx context.Context, number string) (service.GatewayCheckout, error)
	RegisterManualTransfer(ctx context.Context, number string) (service.TransferInstructions, error)
	HandleGatewayNotification(ctx context.Context, n payment.Notification) error
	MarkPaid(ctx context.Context, orderID uint64, paymentID *uint64) (service.Settlement, error)
	Cancel(ctx context.Context, orderID uint64, reason string) (service.Cancellation, error)
	OverdueTransfers(ctx context.Context) ([]model.OverdueTransfer, error)
}

type OrderHandler struct {
	orders Orders
	log    *logrus.Logger
}

func NewOrderHandler(o Orders, log *logrus.Logger) *OrderHandler {
	return &OrderHandler{orders: o, log: log}
}

type passengerReq struct {
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	BirthDate string `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
}

type orderLineReq struct {
	TripID           uint64         `json:"trip_id" validate:"required"`
	DeparturePointID *uint64        `json:"departure_point_id"`
	Qty              int            `json:"qty" validate:"required,min=1"`
	Passengers       []passengerReq `json:"passengers" validate:"dive"`
}

type createOrderReq struct {
	SessionID string `json:"session_id" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Customer  struct {
		FirstName string `json:"first_name" validate:"required,max=100"`
		LastName  string `json:"last_name" validate:"required,max=100"`
		Phone     string `json:"phone" validate:"max=40"`
	} `json:"customer"`
	Items     []orderLineReq `json:"items" validate:"required,min=1,dive"`
	UsePoints bool           `json:"use_points"`
}

func (r createOrderReq) input() service.CreateOrderInput {
	in := service.CreateOrderInput{
		SessionID: r.SessionID,
		Email:     r.Email,
		Customer: service.Customer{
			FirstName: r.Customer.FirstName,
			LastName:  r.Customer.LastName,
			Phone:     r.Customer.Phone,
		},
		UsePoints: r.UsePoints,
	}
	for _, it := range r.Items {
		line := service.OrderLine{TripID: it.TripID, DeparturePointID: it.DeparturePointID, Qty: it.Qty}
		for _, p := range it.Passengers {
			line.Passengers = append(line.Passengers, model.Passenger(p))
		}
		in.Items = append(in.Items, line)
	}
	return in
}

// CreateOrder handles POST /v1/orders.
func (h *OrderHandler) CreateOrder(c echo.Context) error {
	var req createOrderReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	ord, err := h.orders.CreateOrder(c.Request().Context(), req.input())
	if err != nil {
		return respondError(c, h.log, err)
	}
	v, err := toOrderView(ord, nil)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, v)
}

// GetOrder handles GET /v1/orders/:number.
func (h *OrderHandler) GetOrder(c echo.Context) error {
	d, err := h.orders.GetOrder(c.Request().Context(), c.Param("number"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	v, err := toOrderView(d.Order, d.Payments)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, v)
}

// StartGatewayPayment handles POST /v1/orders/:number/payments/gateway.
func (h *OrderHandler) StartGatewayPayment(c echo.Context) error {
	gc, err := h.orders.StartGatewayPayment(c.Request().Context(), c.Param("number"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"payment_id":   gc.PaymentID,
		"external_id":  gc.ExternalID,
		"redirect_url": gc.RedirectURL,
	})
}

// RegisterManualTransfer handles POST /v1/orders/:number/payments/manual.
func (h *OrderHandler) RegisterManualTransfer(c echo.Context) error {
	ti, err := h.orders.RegisterManualTransfer(c.Request().Context(), c.Param("number"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"payment_id":     ti.PaymentID,
		"reference":      ti.Reference,
		"amount_cents":   ti.AmountCents,
		"account_name":   ti.AccountName,
		"account_number": ti.AccountNumber,
	})
}

// GatewayNotify handles POST /v1/payments/gateway/notify.
func (h *OrderHandler) GatewayNotify(c echo.Context) error {
	var n payment.Notification
	if err := c.Bind(&n); err != nil || n.SessionID == "" {
		return badRequest(c, "invalid notification")
	}
	if err := h.orders.HandleGatewayNotification(c.Request().Context(), n); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func orderID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}
