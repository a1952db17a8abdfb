package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/store"
)

// Cancellation reasons recorded in metrics, events and ledger notes.
const (
	ReasonSessionExpired = "session_expired"
	ReasonPaymentTimeout = "payment_timeout"
	ReasonOperator       = "operator"
)

// expireSession is the single expiry transition shared by every session
// read and by the sweeper.  It is a no-op unless s is PENDING and past
// its deadline.  On expiry it zeroes the reservation and burns unused
// magic links.  s is updated in place.
//
// A session with an order is PAID, never PENDING, so orders are not
// touched here; the sweeper cancels orders abandoned before any payment
// attempt once their session deadline passes.
func (c *Core) expireSession(ctx context.Context, tx store.Tx, s *model.CheckoutSession, now time.Time) (bool, error) {
	if !s.IsExpiredAt(now) {
		return false, nil
	}
	s.Status = model.SessionExpired
	s.PointsReserved = 0
	if err := tx.UpdateSession(ctx, *s); err != nil {
		return false, fmt.Errorf("expire session %s: %w", s.ID, err)
	}
	if _, err := tx.InvalidateSessionMagicLinks(ctx, s.ID, now); err != nil {
		return false, fmt.Errorf("invalidate links of session %s: %w", s.ID, err)
	}
	c.metrics.SessionExpired(ctx)
	return true, nil
}

// cancelOutcome describes what cancelOrderTx changed.
type cancelOutcome struct {
	Cancelled      bool
	RefundedPoints int64
	LoyaltyAccount uint64
	ReleasedSeats  int
}

// cancelOrderTx is the idempotent cancellation transition.  It refuses
// orders that are confirmed or hold a PAID attempt.  Otherwise it
// cancels pending attempts, releases every claimed seat, re-credits the
// order's SPEND as an EARN, and closes the checkout session with the
// given status.  An already cancelled order is left untouched, which is
// what keeps seat release at most once per claim.
func (c *Core) cancelOrderTx(ctx context.Context, tx store.Tx, o model.Order, reason string, sessionStatus model.SessionStatus, now time.Time) (cancelOutcome, error) {
	var out cancelOutcome
	switch o.Status {
	case model.OrderCancelled:
		return out, nil
	case model.OrderConfirmed:
		return out, Conflict("order_paid", "confirmed orders cannot be cancelled")
	}
	payments, err := tx.ListPayments(ctx, o.ID)
	if err != nil {
		return out, err
	}
	for _, p := range payments {
		if p.Status == model.PaymentPaid {
			return out, Conflict("order_paid", "order has a settled payment")
		}
	}
	if err := tx.CancelPendingPayments(ctx, o.ID, 0, now); err != nil {
		return out, err
	}

	for _, it := range o.Items {
		if err := c.inventory.ReleaseSeats(ctx, tx, it.TripID, it.Qty); err != nil {
			return out, err
		}
		out.ReleasedSeats += it.Qty
	}

	spend, err := tx.GetLedgerEntry(ctx, o.ID, model.LoyaltySpend)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return out, err
	default:
		if err := c.ledger.Earn(ctx, tx, spend.AccountID, -spend.Points, o.ID, "reversal: "+reason, nil); err != nil {
			return out, err
		}
		out.RefundedPoints = -spend.Points
		out.LoyaltyAccount = spend.AccountID
	}

	if err := tx.SetOrderStatus(ctx, o.ID, model.OrderCancelled, now); err != nil {
		return out, err
	}

	s, err := tx.GetSessionForUpdate(ctx, o.CheckoutSessionID)
	if err != nil {
		return out, fmt.Errorf("load session of order %d: %w", o.ID, err)
	}
	s.Status = sessionStatus
	s.PointsReserved = 0
	if err := tx.UpdateSession(ctx, s); err != nil {
		return out, err
	}

	out.Cancelled = true
	c.metrics.OrderCancelled(ctx, reason)
	return out, nil
}
