package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/payment"
	"github.com/iliyamo/trip-checkout/internal/queue"
	"github.com/iliyamo/trip-checkout/internal/store"
)

// Settlement is the result of MarkPaid.
type Settlement struct {
	Order        model.Order
	PaymentID    uint64
	PointsEarned int64
	AlreadyPaid  bool
}

// Cancellation is the result of Cancel.
type Cancellation struct {
	Order            model.Order
	AlreadyCancelled bool
	RefundedPoints   int64
}

// HandleGatewayNotification settles a gateway attempt after checking the
// notification signature and amount and confirming the transaction with
// the gateway.  Repeated notifications for a paid attempt succeed without
// effect.
func (o *OrderService) HandleGatewayNotification(ctx context.Context, n payment.Notification) error {
	if o.gateway == nil || !o.gateway.Configured() {
		return Unavailable("gateway_unavailable", "card payments are not available", payment.ErrNotConfigured)
	}
	match := o.gateway.VerifyNotification(n)
	o.metrics.SignatureChecked(ctx, string(match.Variant))
	if !match.OK() {
		o.log.WithFields(logrus.Fields{
			"session_id":     n.SessionID,
			"gateway_order":  n.OrderID,
			"amount":         n.Amount,
			"tried_variants": match.Tried,
		}).Warn("gateway notification signature mismatch")
		return Validation("invalid_signature", "notification signature does not match")
	}

	var pay model.Payment
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		pay, err = tx.GetPaymentByExternalID(ctx, n.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			return NotFound("payment_not_found", "unknown payment session")
		}
		return err
	})
	if err != nil {
		return err
	}
	if pay.Provider != model.ProviderGateway {
		return Validation("wrong_provider", "payment is not a gateway payment")
	}
	if n.Amount != pay.AmountCents {
		o.log.WithFields(logrus.Fields{
			"payment_id": pay.ID,
			"expected":   pay.AmountCents,
			"notified":   n.Amount,
		}).Warn("gateway notification amount mismatch")
		return Validation("amount_mismatch", "notified amount does not match the payment")
	}
	if !strings.EqualFold(n.Currency, o.gateway.Currency()) {
		o.log.WithFields(logrus.Fields{
			"payment_id": pay.ID,
			"expected":   o.gateway.Currency(),
			"notified":   n.Currency,
		}).Warn("gateway notification currency mismatch")
		return Validation("currency_mismatch", "notified currency does not match the payment")
	}
	if pay.Status == model.PaymentPaid {
		return nil
	}

	if err := o.gateway.VerifyTransaction(ctx, payment.VerifyRequest{
		SessionID:   pay.ExternalID,
		OrderID:     n.OrderID,
		AmountCents: pay.AmountCents,
	}); err != nil {
		return Unavailable("gateway_verify_failed", "could not verify the transaction with the provider", err)
	}

	pid := pay.ID
	_, err = o.markPaid(ctx, pay.OrderID, &pid, strconv.FormatInt(n.OrderID, 10), match.Variant)
	return err
}

// MarkPaid settles an order.  paymentID selects the attempt; nil picks
// the most recent PENDING one.  Calling it on a paid order succeeds and
// changes nothing, so points are earned once.
func (o *OrderService) MarkPaid(ctx context.Context, orderID uint64, paymentID *uint64) (Settlement, error) {
	return o.markPaid(ctx, orderID, paymentID, "", "")
}

func (o *OrderService) markPaid(ctx context.Context, orderID uint64, paymentID *uint64, providerRef string, variant payment.Variant) (Settlement, error) {
	now := o.now()
	var out Settlement
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		ord, err := tx.GetOrderForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return NotFound("order_not_found", "order not found")
		}
		if err != nil {
			return err
		}
		out.Order = ord
		payments, err := tx.ListPayments(ctx, ord.ID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if p.Status == model.PaymentPaid {
				out.AlreadyPaid = true
				out.PaymentID = p.ID
				return nil
			}
		}
		if ord.Status == model.OrderCancelled {
			return Conflict("order_cancelled", "order was cancelled")
		}

		target, err := pickPayment(payments, paymentID)
		if err != nil {
			return err
		}
		var ref *string
		if providerRef != "" {
			ref = &providerRef
		}
		if err := tx.SetPaymentStatus(ctx, target.ID, model.PaymentPaid, ref, &now); err != nil {
			return err
		}
		if err := tx.CancelPendingPayments(ctx, ord.ID, target.ID, now); err != nil {
			return err
		}
		if err := tx.SetOrderStatus(ctx, ord.ID, model.OrderConfirmed, now); err != nil {
			return err
		}
		out.Order.Status = model.OrderConfirmed
		out.PaymentID = target.ID

		if ord.UserID != nil {
			points := model.EarnedPoints(ord.TotalCents)
			if points > 0 {
				acct, err := tx.EnsureAccount(ctx, *ord.UserID)
				if err != nil {
					return err
				}
				if err := o.ledger.Earn(ctx, tx, acct.ID, points, ord.ID, "order "+ord.OrderNumber, o.ledger.EarnExpiry(now)); err != nil {
					return err
				}
				out.PointsEarned = points
			}
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	if out.AlreadyPaid {
		return out, nil
	}

	o.log.WithFields(logrus.Fields{
		"order_number":  out.Order.OrderNumber,
		"payment_id":    out.PaymentID,
		"points_earned": out.PointsEarned,
		"signature":     variant,
	}).Info("order paid")
	o.metrics.PointsEarned(ctx, out.PointsEarned)
	o.emit(ctx, queue.OrderConfirmed, out.Order, out.PointsEarned, "")
	return out, nil
}

// pickPayment chooses the attempt to settle.  An explicit attempt may be
// in any unsettled state because the provider can report money for an
// attempt we already gave up on.
func pickPayment(payments []model.Payment, id *uint64) (model.Payment, error) {
	if id != nil {
		for _, p := range payments {
			if p.ID == *id {
				if p.Status == model.PaymentRefunded {
					return p, Conflict("payment_refunded", "payment was refunded")
				}
				return p, nil
			}
		}
		return model.Payment{}, NotFound("payment_not_found", fmt.Sprintf("payment %d does not belong to the order", *id))
	}
	for _, p := range payments {
		if p.Status == model.PaymentPending {
			return p, nil
		}
	}
	return model.Payment{}, Conflict("no_pending_payment", "order has no pending payment")
}

// Cancel cancels an unpaid order, releasing its seats and points.
// Cancelling a cancelled order is a no-op.
func (o *OrderService) Cancel(ctx context.Context, orderID uint64, reason string) (Cancellation, error) {
	if reason == "" {
		reason = ReasonOperator
	}
	out, err := o.cancel(ctx, orderID, reason)
	if err != nil {
		return out, err
	}
	if !out.AlreadyCancelled {
		o.emit(ctx, queue.OrderCancelled, out.Order, 0, reason)
	}
	return out, nil
}

func (c *Core) cancel(ctx context.Context, orderID uint64, reason string) (Cancellation, error) {
	now := c.now()
	var out Cancellation
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		ord, err := tx.GetOrderForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return NotFound("order_not_found", "order not found")
		}
		if err != nil {
			return err
		}
		res, err := c.cancelOrderTx(ctx, tx, ord, reason, model.SessionCancelled, now)
		if err != nil {
			return err
		}
		out.Order = ord
		out.AlreadyCancelled = !res.Cancelled
		out.RefundedPoints = res.RefundedPoints
		if res.Cancelled {
			out.Order.Status = model.OrderCancelled
			out.Order.CancelledAt = &now
		}
		return nil
	})
	if err != nil {
		return Cancellation{}, err
	}
	if !out.AlreadyCancelled {
		c.log.WithFields(logrus.Fields{
			"order_number":    out.Order.OrderNumber,
			"reason":          reason,
			"refunded_points": out.RefundedPoints,
		}).Info("order cancelled")
	}
	return out, nil
}

// OverdueTransfers lists manual transfers still unpaid after the overdue
// window.  They are reported, never cancelled automatically.
func (o *OrderService) OverdueTransfers(ctx context.Context) ([]model.OverdueTransfer, error) {
	cutoff := o.now().Add(-o.cfg.ManualTransferOverdue)
	var out []model.OverdueTransfer
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListOverdueTransfers(ctx, cutoff)
		return err
	})
	return out, err
}

// emit publishes an order event after commit.  Without a broker, or when
// publishing fails, the payment confirmation is mailed directly.
func (o *OrderService) emit(ctx context.Context, typ string, ord model.Order, earned int64, reason string) {
	ev := queue.OrderEvent{
		Type:         typ,
		OrderID:      ord.ID,
		OrderNumber:  ord.OrderNumber,
		Email:        ord.Email,
		FirstName:    ord.FirstName,
		TotalCents:   ord.TotalCents,
		PointsUsed:   ord.PointsUsed,
		PointsEarned: earned,
		Reason:       reason,
		OccurredAt:   o.now(),
	}
	o.afterCommit(ctx, func(ctx context.Context) {
		if o.events != nil {
			err := o.events.Publish(ctx, ev)
			if err == nil {
				return
			}
			o.log.WithError(err).WithField("order_number", ev.OrderNumber).Warn("publish order event failed")
		}
		if typ != queue.OrderConfirmed {
			return
		}
		if err := o.mail.SendPaymentConfirmation(ctx, receiptOf(ord, earned)); err != nil {
			o.log.WithError(err).WithField("order_number", ev.OrderNumber).Warn("payment confirmation email failed")
		}
	})
}

// HandleOrderEvent is the queue consumer's handler: it mails the payment
// confirmation for order.confirmed and records cancellations in the log.
func HandleOrderEvent(mail Mailer, log *logrus.Logger) func(ctx context.Context, ev queue.OrderEvent) error {
	return func(ctx context.Context, ev queue.OrderEvent) error {
		switch ev.Type {
		case queue.OrderConfirmed:
			return mail.SendPaymentConfirmation(ctx, receiptOf(model.Order{
				OrderNumber: ev.OrderNumber,
				Email:       ev.Email,
				FirstName:   ev.FirstName,
				TotalCents:  ev.TotalCents,
				PointsUsed:  ev.PointsUsed,
			}, ev.PointsEarned))
		case queue.OrderCancelled:
			log.WithFields(logrus.Fields{
				"order_number": ev.OrderNumber,
				"reason":       ev.Reason,
			}).Info("order cancellation event")
			return nil
		default:
			return fmt.Errorf("unknown event type %q", ev.Type)
		}
	}
}
