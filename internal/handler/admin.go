package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/middleware"
	"github.com/iliyamo/trip-checkout/internal/service"
)

// Sweeper runs one expiry sweep.
type Sweeper interface {
	RunOnce(ctx context.Context) service.SweepReport
}

// AdminHandler serves operator actions.  Every action goes through the
// same reconciler operations as the CLI.
type AdminHandler struct {
	orders  Orders
	sweeper Sweeper
	log     *logrus.Logger
}

func NewAdminHandler(o Orders, s Sweeper, log *logrus.Logger) *AdminHandler {
	return &AdminHandler{orders: o, sweeper: s, log: log}
}

type markPaidReq struct {
	PaymentID *uint64 `json:"payment_id"`
}

type cancelReq struct {
	Reason string `json:"reason" validate:"max=64"`
}

// MarkPaid handles POST /v1/admin/orders/:id/mark-paid.
func (h *AdminHandler) MarkPaid(c echo.Context) error {
	id, ok := orderID(c)
	if !ok {
		return badRequest(c, "invalid order id")
	}
	var req markPaidReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	s, err := h.orders.MarkPaid(c.Request().Context(), id, req.PaymentID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.log.WithFields(logrus.Fields{
		"operator_id":  middleware.UserID(c),
		"order_number": s.Order.OrderNumber,
		"already_paid": s.AlreadyPaid,
	}).Info("operator marked order paid")
	v, err := toOrderView(s.Order, nil)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"order":         v,
		"payment_id":    s.PaymentID,
		"points_earned": s.PointsEarned,
		"already_paid":  s.AlreadyPaid,
	})
}

// Cancel handles POST /v1/admin/orders/:id/cancel.
func (h *AdminHandler) Cancel(c echo.Context) error {
	id, ok := orderID(c)
	if !ok {
		return badRequest(c, "invalid order id")
	}
	var req cancelReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	res, err := h.orders.Cancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.log.WithFields(logrus.Fields{
		"operator_id":  middleware.UserID(c),
		"order_number": res.Order.OrderNumber,
	}).Info("operator cancelled order")
	v, err := toOrderView(res.Order, nil)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"order":             v,
		"already_cancelled": res.AlreadyCancelled,
		"refunded_points":   res.RefundedPoints,
	})
}

// Overdue handles GET /v1/admin/payments/overdue.
func (h *AdminHandler) Overdue(c echo.Context) error {
	rows, err := h.orders.OverdueTransfers(c.Request().Context())
	if err != nil {
		return respondError(c, h.log, err)
	}
	type row struct {
		OrderID     uint64 `json:"order_id"`
		OrderNumber string `json:"order_number"`
		Email       string `json:"email"`
		AmountCents int64  `json:"amount_cents"`
		PaymentID   uint64 `json:"payment_id"`
		RequestedAt string `json:"requested_at"`
	}
	out := make([]row, 0, len(rows))
	for _, r := range rows {
		out = append(out, row{
			OrderID:     r.OrderID,
			OrderNumber: r.OrderNumber,
			Email:       r.Email,
			AmountCents: r.AmountCents,
			PaymentID:   r.PaymentID,
			RequestedAt: r.RequestedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"overdue": out})
}

// Sweep handles POST /v1/admin/sweep.
func (h *AdminHandler) Sweep(c echo.Context) error {
	return c.JSON(http.StatusOK, h.sweeper.RunOnce(c.Request().Context()))
}
