package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/store"
)

// CartItem is a cart line as submitted by the customer; the price is
// always taken from the trip.
type CartItem struct {
	TripID           uint64
	Qty              int
	DeparturePointID *uint64
}

// NewSession is the result of CreateSession.
type NewSession struct {
	SessionID              string
	ExpiresAt              time.Time
	PreviewPointsAvailable int64
}

// CheckoutService manages checkout sessions.
type CheckoutService struct {
	*Core
}

func NewCheckoutService(core *Core) *CheckoutService { return &CheckoutService{Core: core} }

// CreateSession snapshots the cart and opens a PENDING session.  It never
// binds a user; the preview is what the account holding this email could
// redeem on the cart, shown before the address is verified.
func (s *CheckoutService) CreateSession(ctx context.Context, email string, items []CartItem) (NewSession, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return NewSession{}, Validation("invalid_email", "a valid email is required")
	}
	now := s.now()
	var out NewSession
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cart, err := s.buildCart(ctx, tx, items)
		if err != nil {
			return err
		}
		sess := model.CheckoutSession{
			ID:            uuid.NewString(),
			CustomerEmail: email,
			Cart:          cart,
			ExpiresAt:     now.Add(s.cfg.SessionTTL),
			Status:        model.SessionPending,
		}
		if err := tx.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		out = NewSession{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt}

		user, err := tx.GetUserByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, avail, err := s.ledger.AvailableForUser(ctx, tx, user.ID, now)
		if err != nil {
			return err
		}
		out.PreviewPointsAvailable = model.ClampPoints(avail, avail, cart.TotalCents())
		return nil
	})
	return out, err
}

// GetSession returns a session after applying the expiry transition, so
// a PENDING session past its deadline is reported as EXPIRED.
func (s *CheckoutService) GetSession(ctx context.Context, id string) (model.CheckoutSession, error) {
	var sess model.CheckoutSession
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		sess, err = s.loadSession(ctx, tx, id)
		return err
	})
	return sess, err
}

// UpdateCart replaces the cart of a PENDING session and re-clamps any
// points reservation against the new total.
func (s *CheckoutService) UpdateCart(ctx context.Context, id string, items []CartItem) (model.CheckoutSession, error) {
	var sess model.CheckoutSession
	var rejected error
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		sess, err = s.loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionPending {
			rejected = sessionNotPending(sess)
			return nil
		}
		cart, err := s.buildCart(ctx, tx, items)
		if err != nil {
			return err
		}
		sess.Cart = cart
		if sess.BoundUserID != nil && sess.PointsReserved > 0 {
			_, avail, err := s.ledger.AvailableForUser(ctx, tx, *sess.BoundUserID, s.now())
			if err != nil {
				return err
			}
			sess.PointsReserved = model.ClampPoints(sess.PointsReserved, avail, cart.TotalCents())
		}
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return model.CheckoutSession{}, err
	}
	return sess, rejected
}

// ApplyPoints reserves up to requested points on a session with a
// verified identity, clamped by the balance and the cart cap.
func (s *CheckoutService) ApplyPoints(ctx context.Context, id string, requested int64) (model.CheckoutSession, error) {
	if requested < 0 {
		return model.CheckoutSession{}, Validation("invalid_points", "points must not be negative")
	}
	var sess model.CheckoutSession
	var rejected error
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		sess, err = s.loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionPending {
			rejected = sessionNotPending(sess)
			return nil
		}
		if sess.BoundUserID == nil {
			rejected = Conflict("identity_not_verified", "verify your email before using points")
			return nil
		}
		_, avail, err := s.ledger.AvailableForUser(ctx, tx, *sess.BoundUserID, s.now())
		if err != nil {
			return err
		}
		sess.PointsReserved = model.ClampPoints(requested, avail, sess.Cart.TotalCents())
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return model.CheckoutSession{}, err
	}
	return sess, rejected
}

// loadSession locks a session and applies the expiry transition.
func (c *Core) loadSession(ctx context.Context, tx store.Tx, id string) (model.CheckoutSession, error) {
	sess, err := tx.GetSessionForUpdate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return sess, NotFound("session_not_found", "checkout session not found")
	}
	if err != nil {
		return sess, err
	}
	if _, err := c.expireSession(ctx, tx, &sess, c.now()); err != nil {
		return sess, err
	}
	return sess, nil
}

func sessionNotPending(s model.CheckoutSession) *Error {
	if s.Status == model.SessionExpired {
		return Conflict("session_expired", "checkout session has expired")
	}
	return Conflict("session_closed", fmt.Sprintf("checkout session is %s", s.Status))
}

// buildCart validates items against current trips and snapshots prices.
func (c *Core) buildCart(ctx context.Context, tx store.Tx, items []CartItem) (model.Cart, error) {
	if len(items) == 0 {
		return nil, Validation("empty_cart", "cart must contain at least one trip")
	}
	type lineKey struct {
		trip  uint64
		point uint64
	}
	seen := make(map[lineKey]bool, len(items))
	cart := make(model.Cart, 0, len(items))
	for _, it := range items {
		if it.Qty < 1 {
			return nil, Validation("invalid_qty", "quantity must be at least 1")
		}
		k := lineKey{trip: it.TripID}
		if it.DeparturePointID != nil {
			k.point = *it.DeparturePointID
		}
		if seen[k] {
			return nil, Validation("duplicate_line", fmt.Sprintf("trip %d appears twice", it.TripID))
		}
		seen[k] = true

		trip, err := tx.GetTrip(ctx, it.TripID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, Validation("unknown_trip", fmt.Sprintf("trip %d does not exist", it.TripID))
		}
		if err != nil {
			return nil, err
		}
		if trip.Availability == model.AvailabilityClosed {
			return nil, Validation("trip_closed", fmt.Sprintf("trip %d is closed", it.TripID))
		}
		if it.DeparturePointID != nil {
			ok, err := tx.DeparturePointExists(ctx, it.TripID, *it.DeparturePointID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, Validation("unknown_departure_point",
					fmt.Sprintf("departure point %d is not offered for trip %d", *it.DeparturePointID, it.TripID))
			}
		}
		cart = append(cart, model.CartLine{
			TripID:           it.TripID,
			Qty:              it.Qty,
			DeparturePointID: it.DeparturePointID,
			UnitPriceCents:   trip.PriceCents,
		})
	}
	return cart, nil
}
