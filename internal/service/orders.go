package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/config"
	"github.com/iliyamo/trip-checkout/internal/mailer"
	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/payment"
	"github.com/iliyamo/trip-checkout/internal/store"
)

// Customer is the contact data captured at order time.
type Customer struct {
	FirstName string
	LastName  string
	Phone     string
}

// OrderLine is one submitted order line; it must match a cart line.
type OrderLine struct {
	TripID           uint64
	DeparturePointID *uint64
	Qty              int
	Passengers       []model.Passenger
}

// CreateOrderInput is the checkout completion request.
type CreateOrderInput struct {
	SessionID string
	Email     string
	Customer  Customer
	Items     []OrderLine
	UsePoints bool
}

// OrderDetails is an order with its payment attempts, newest first.
type OrderDetails struct {
	Order    model.Order
	Payments []model.Payment
}

// GatewayCheckout is where the customer is sent to pay by card.
type GatewayCheckout struct {
	PaymentID   uint64
	ExternalID  string
	RedirectURL string
}

// TransferInstructions tell the customer how to pay by bank transfer.
type TransferInstructions struct {
	PaymentID     uint64
	Reference     string
	AmountCents   int64
	AccountName   string
	AccountNumber string
}

// URLs are the externally visible addresses used in gateway callbacks.
type URLs struct {
	PublicBase string // storefront
	APIBase    string // this API
}

// OrderService turns sessions into orders and reconciles payments.
type OrderService struct {
	*Core
	mail    Mailer
	events  Publisher
	gateway Gateway
	bank    config.BankConfig
	urls    URLs
}

// NewOrderService wires the reconciler.  events may be nil, in which case
// confirmation mail is sent directly.
func NewOrderService(core *Core, mail Mailer, events Publisher, gw Gateway, bank config.BankConfig, urls URLs) *OrderService {
	return &OrderService{
		Core:    core,
		mail:    mail,
		events:  events,
		gateway: gw,
		bank:    bank,
		urls: URLs{
			PublicBase: strings.TrimRight(urls.PublicBase, "/"),
			APIBase:    strings.TrimRight(urls.APIBase, "/"),
		},
	}
}

// CreateOrder completes a checkout in one transaction: seats are claimed
// line by line, points are spent, the order is written as SUBMITTED and
// the session is closed.  Any failure leaves nothing behind.
func (o *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (model.Order, error) {
	email := normalizeEmail(in.Email)
	if !validEmail(email) {
		return model.Order{}, Validation("invalid_email", "a valid email is required")
	}
	if strings.TrimSpace(in.Customer.FirstName) == "" || strings.TrimSpace(in.Customer.LastName) == "" {
		return model.Order{}, Validation("invalid_customer", "first and last name are required")
	}
	now := o.now()
	var (
		order    model.Order
		rejected error
	)
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		sess, err := o.loadSession(ctx, tx, in.SessionID)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionPending {
			rejected = sessionNotPending(sess)
			return nil
		}
		if sess.CustomerEmail != email {
			return Validation("email_mismatch", "email does not match the checkout session")
		}
		items, err := matchCart(sess.Cart, in.Items)
		if err != nil {
			return err
		}

		if sess.BoundUserID == nil {
			user, err := tx.GetUserByEmail(ctx, email)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return err
			default:
				uid := user.ID
				sess.BoundUserID = &uid
			}
		}

		for _, line := range sess.Cart {
			if err := o.inventory.ClaimSeats(ctx, tx, line.TripID, line.Qty); err != nil {
				return err
			}
		}

		subtotal := sess.Cart.TotalCents()
		var (
			used    int64
			account model.LoyaltyAccount
		)
		if in.UsePoints && sess.BoundUserID != nil && sess.PointsReserved > 0 {
			var avail int64
			account, avail, err = o.ledger.SpendableForUser(ctx, tx, *sess.BoundUserID, now)
			if err != nil {
				return err
			}
			used = model.ClampPoints(sess.PointsReserved, avail, subtotal)
		}

		order = model.Order{
			OrderNumber:       newOrderNumber(now),
			Status:            model.OrderSubmitted,
			SubtotalCents:     subtotal,
			PointsUsed:        used,
			TotalCents:        subtotal - model.DiscountCents(used),
			CheckoutSessionID: sess.ID,
			UserID:            sess.BoundUserID,
			Email:             email,
			FirstName:         strings.TrimSpace(in.Customer.FirstName),
			LastName:          strings.TrimSpace(in.Customer.LastName),
			Phone:             strings.TrimSpace(in.Customer.Phone),
			Items:             items,
		}
		if err := tx.InsertOrder(ctx, &order); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return Conflict("order_exists", "an order already exists for this checkout")
			}
			return err
		}
		if used > 0 {
			if err := o.ledger.Spend(ctx, tx, account.ID, used, order.ID, "order "+order.OrderNumber, now); err != nil {
				return err
			}
		}

		sess.Status = model.SessionPaid
		sess.PointsReserved = used
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return model.Order{}, err
	}
	if rejected != nil {
		return model.Order{}, rejected
	}

	o.log.WithFields(logrus.Fields{
		"order_number": order.OrderNumber,
		"session_id":   order.CheckoutSessionID,
		"total_cents":  order.TotalCents,
		"points_used":  order.PointsUsed,
	}).Info("order submitted")

	receipt := receiptOf(order, 0)
	o.afterCommit(ctx, func(ctx context.Context) {
		if err := o.mail.SendOrderConfirmation(ctx, receipt); err != nil {
			o.log.WithError(err).WithField("order_number", receipt.OrderNumber).Warn("order confirmation email failed")
		}
	})
	return order, nil
}

// matchCart checks that the submitted lines are exactly the cart lines and
// that each line names one passenger per seat.  Prices come from the cart.
func matchCart(cart model.Cart, lines []OrderLine) ([]model.OrderItem, error) {
	if len(lines) != len(cart) {
		return nil, Validation("items_mismatch", "order items do not match the cart")
	}
	byKey := make(map[string]OrderLine, len(lines))
	for _, l := range lines {
		byKey[lineKey(l.TripID, l.DeparturePointID)] = l
	}
	items := make([]model.OrderItem, 0, len(cart))
	for _, c := range cart {
		l, ok := byKey[lineKey(c.TripID, c.DeparturePointID)]
		if !ok || l.Qty != c.Qty {
			return nil, Validation("items_mismatch", fmt.Sprintf("trip %d does not match the cart", c.TripID))
		}
		if len(l.Passengers) != l.Qty {
			return nil, Validation("passenger_count",
				fmt.Sprintf("trip %d needs %d passengers, got %d", c.TripID, l.Qty, len(l.Passengers)))
		}
		items = append(items, model.OrderItem{
			TripID:           c.TripID,
			DeparturePointID: c.DeparturePointID,
			Qty:              c.Qty,
			UnitPriceCents:   c.UnitPriceCents,
			Passengers:       l.Passengers,
		})
	}
	return items, nil
}

func lineKey(tripID uint64, point *uint64) string {
	if point == nil {
		return fmt.Sprintf("%d/-", tripID)
	}
	return fmt.Sprintf("%d/%d", tripID, *point)
}

// newOrderNumber returns TRV-YYMMDD-XXXXXX with six random hex digits.
func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "TRV-" + now.Format("060102") + "-" + suffix
}

// GetOrder returns an order and its payment attempts.
func (o *OrderService) GetOrder(ctx context.Context, number string) (OrderDetails, error) {
	var out OrderDetails
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		ord, err := tx.GetOrderByNumber(ctx, number)
		if errors.Is(err, store.ErrNotFound) {
			return NotFound("order_not_found", "order not found")
		}
		if err != nil {
			return err
		}
		payments, err := tx.ListPayments(ctx, ord.ID)
		if err != nil {
			return err
		}
		out = OrderDetails{Order: ord, Payments: payments}
		return nil
	})
	return out, err
}

// lockPayableOrder loads an order by number for update and checks that it
// still awaits payment.
func lockPayableOrder(ctx context.Context, tx store.Tx, number string) (model.Order, []model.Payment, error) {
	ref, err := tx.GetOrderByNumber(ctx, number)
	if errors.Is(err, store.ErrNotFound) {
		return ref, nil, NotFound("order_not_found", "order not found")
	}
	if err != nil {
		return ref, nil, err
	}
	ord, err := tx.GetOrderForUpdate(ctx, ref.ID)
	if err != nil {
		return ord, nil, err
	}
	if ord.Status != model.OrderSubmitted {
		return ord, nil, Conflict("order_not_payable", fmt.Sprintf("order is %s", ord.Status))
	}
	payments, err := tx.ListPayments(ctx, ord.ID)
	if err != nil {
		return ord, nil, err
	}
	for _, p := range payments {
		if p.Status == model.PaymentPaid {
			return ord, nil, Conflict("order_paid", "order is already paid")
		}
	}
	return ord, payments, nil
}

// StartGatewayPayment records a new gateway attempt and registers it with
// the provider.  The provider call happens after the attempt commits; if
// it fails the attempt is marked FAILED and the order stays SUBMITTED so
// the customer can retry.
func (o *OrderService) StartGatewayPayment(ctx context.Context, number string) (GatewayCheckout, error) {
	if o.gateway == nil || !o.gateway.Configured() {
		return GatewayCheckout{}, Unavailable("gateway_unavailable", "card payments are not available", payment.ErrNotConfigured)
	}
	var (
		ord model.Order
		pay model.Payment
	)
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ord, _, err = lockPayableOrder(ctx, tx, number)
		if err != nil {
			return err
		}
		pay = model.Payment{
			OrderID:     ord.ID,
			Provider:    model.ProviderGateway,
			Status:      model.PaymentPending,
			AmountCents: ord.TotalCents,
			ExternalID:  uuid.NewString(),
		}
		return tx.InsertPayment(ctx, &pay)
	})
	if err != nil {
		return GatewayCheckout{}, err
	}

	reg, gwErr := o.gateway.CreateTransaction(ctx, payment.RegisterRequest{
		SessionID:   pay.ExternalID,
		AmountCents: pay.AmountCents,
		Description: "Booking " + ord.OrderNumber,
		Email:       ord.Email,
		ReturnURL:   o.urls.PublicBase + "/checkout/return?order=" + ord.OrderNumber,
		NotifyURL:   o.urls.APIBase + "/v1/payments/gateway/notify",
	})
	if gwErr != nil {
		o.log.WithError(gwErr).WithFields(logrus.Fields{
			"order_number": ord.OrderNumber,
			"payment_id":   pay.ID,
		}).Error("gateway registration failed")
		dctx := context.WithoutCancel(ctx)
		if err := o.store.WithTx(dctx, func(tx store.Tx) error {
			return tx.SetPaymentStatus(dctx, pay.ID, model.PaymentFailed, nil, nil)
		}); err != nil {
			o.log.WithError(err).WithField("payment_id", pay.ID).Error("mark payment failed")
		}
		return GatewayCheckout{}, Unavailable("gateway_unavailable", "payment provider did not accept the transaction", gwErr)
	}

	token := reg.Token
	if err := o.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetPaymentStatus(ctx, pay.ID, model.PaymentPending, &token, nil)
	}); err != nil {
		o.log.WithError(err).WithField("payment_id", pay.ID).Warn("store gateway token")
	}
	return GatewayCheckout{PaymentID: pay.ID, ExternalID: pay.ExternalID, RedirectURL: reg.RedirectURL}, nil
}

// RegisterManualTransfer records that the customer will pay by bank
// transfer.  Calling it again returns the existing pending attempt.
func (o *OrderService) RegisterManualTransfer(ctx context.Context, number string) (TransferInstructions, error) {
	var out TransferInstructions
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		ord, payments, err := lockPayableOrder(ctx, tx, number)
		if err != nil {
			return err
		}
		out = TransferInstructions{
			Reference:     ord.OrderNumber,
			AmountCents:   ord.TotalCents,
			AccountName:   o.bank.AccountName,
			AccountNumber: o.bank.AccountNumber,
		}
		for _, p := range payments {
			if p.Provider == model.ProviderManualTransfer && p.Status == model.PaymentPending {
				out.PaymentID = p.ID
				return nil
			}
		}
		pay := model.Payment{
			OrderID:     ord.ID,
			Provider:    model.ProviderManualTransfer,
			Status:      model.PaymentPending,
			AmountCents: ord.TotalCents,
			ExternalID:  uuid.NewString(),
		}
		if err := tx.InsertPayment(ctx, &pay); err != nil {
			return err
		}
		out.PaymentID = pay.ID
		return nil
	})
	return out, err
}

func receiptOf(o model.Order, earned int64) mailer.Receipt {
	return mailer.Receipt{
		OrderNumber:  o.OrderNumber,
		Email:        o.Email,
		FirstName:    o.FirstName,
		TotalCents:   o.TotalCents,
		PointsUsed:   o.PointsUsed,
		PointsEarned: earned,
	}
}
