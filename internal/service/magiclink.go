package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/store"
	"github.com/iliyamo/trip-checkout/internal/utils"
)

// magicLinkBytes is the token entropy: 256 bits.
const magicLinkBytes = 32

// Redemption is the outcome of a successful Redeem.
type Redemption struct {
	SessionID      string
	PointsReserved int64
}

// MagicLinkService proves ownership of an email address so the session
// may spend that account's points.
type MagicLinkService struct {
	*Core
	mail       Mailer
	apiBaseURL string
}

func NewMagicLinkService(core *Core, mail Mailer, apiBaseURL string) *MagicLinkService {
	return &MagicLinkService{Core: core, mail: mail, apiBaseURL: strings.TrimRight(apiBaseURL, "/")}
}

// Issue mails a one-time link when the session is PENDING, the email
// matches it, and the matching account has spendable points.  In every
// other case it silently does nothing, so callers cannot test for
// accounts.  An unexpired link already sent for the same session and
// user is not re-sent.  Only storage failures are returned.
func (m *MagicLinkService) Issue(ctx context.Context, sessionID, email string) error {
	email = normalizeEmail(email)
	now := m.now()
	var (
		raw string
		exp time.Time
	)
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		sess, err := m.loadSession(ctx, tx, sessionID)
		if KindOf(err) == KindNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if sess.Status != model.SessionPending || sess.CustomerEmail != email {
			return nil
		}
		user, err := tx.GetUserByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, avail, err := m.ledger.AvailableForUser(ctx, tx, user.ID, now)
		if err != nil || avail <= 0 {
			return err
		}
		if _, err := tx.FindActiveMagicLink(ctx, sess.ID, user.ID, now); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		token, err := utils.RandomToken(magicLinkBytes)
		if err != nil {
			return err
		}
		link := &model.MagicLinkToken{
			TokenHash: utils.HashToken(token),
			SessionID: sess.ID,
			UserID:    user.ID,
			ExpiresAt: now.Add(m.cfg.MagicLinkTTL),
		}
		if err := tx.CreateMagicLink(ctx, link); err != nil {
			return err
		}
		raw, exp = token, link.ExpiresAt
		return nil
	})
	if err != nil || raw == "" {
		return err
	}

	link := m.apiBaseURL + "/v1/checkout/magic-link?token=" + url.QueryEscape(raw)
	m.afterCommit(ctx, func(ctx context.Context) {
		if err := m.mail.SendMagicLink(ctx, email, link, exp); err != nil {
			m.log.WithError(err).WithField("session_id", sessionID).Warn("magic link email failed")
		}
	})
	return nil
}

// Redeem consumes a token and binds its user to the session, reserving
// as many points as the balance and the cart cap allow.  The token is
// burnt even when the session turns out to have expired.
func (m *MagicLinkService) Redeem(ctx context.Context, rawToken string) (Redemption, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Redemption{}, Validation("invalid_token", "token is required")
	}
	now := m.now()
	var (
		out      Redemption
		rejected error
	)
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		tok, err := tx.GetMagicLinkForUpdate(ctx, utils.HashToken(rawToken))
		if errors.Is(err, store.ErrNotFound) {
			rejected = Validation("invalid_token", "link is not valid")
			return nil
		}
		if err != nil {
			return err
		}
		out.SessionID = tok.SessionID
		if tok.UsedAt != nil {
			rejected = Conflict("token_used", "link was already used")
			return nil
		}
		if !now.Before(tok.ExpiresAt) {
			rejected = Conflict("token_expired", "link has expired")
			_, err := tx.MarkMagicLinkUsed(ctx, tok.ID, now)
			return err
		}

		sess, err := m.loadSession(ctx, tx, tok.SessionID)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionPending {
			rejected = sessionNotPending(sess)
			_, err := tx.MarkMagicLinkUsed(ctx, tok.ID, now)
			return err
		}

		marked, err := tx.MarkMagicLinkUsed(ctx, tok.ID, now)
		if err != nil {
			return err
		}
		if !marked {
			rejected = Conflict("token_used", "link was already used")
			return nil
		}

		_, avail, err := m.ledger.AvailableForUser(ctx, tx, tok.UserID, now)
		if err != nil {
			return err
		}
		uid := tok.UserID
		sess.BoundUserID = &uid
		sess.PointsReserved = model.ClampPoints(avail, avail, sess.Cart.TotalCents())
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		out.PointsReserved = sess.PointsReserved
		return nil
	})
	if err != nil {
		return Redemption{}, err
	}
	if rejected != nil {
		m.log.WithFields(logrus.Fields{"session_id": out.SessionID, "reason": rejected.Error()}).Info("magic link rejected")
		return out, rejected
	}
	return out, nil
}
