package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/service"
)

// CheckoutSessions is the session part of the checkout engine.
type CheckoutSessions interface {
	CreateSession(ctx context.Context, email string, items []service.CartItem) (service.NewSession, error)
	GetSession(ctx context.Context, id string) (model.CheckoutSession, error)
	UpdateCart(ctx context.Context, id string, items []service.CartItem) (model.CheckoutSession, error)
	ApplyPoints(ctx context.Context, id string, requested int64) (model.CheckoutSession, error)
}

// MagicLinks issues and redeems email verification links.
type MagicLinks interface {
	Issue(ctx context.Context, sessionID, email string) error
	Redeem(ctx context.Context, rawToken string) (service.Redemption, error)
}

type CheckoutHandler struct {
	sessions   CheckoutSessions
	links      MagicLinks
	publicBase string
	log        *logrus.Logger
}

func NewCheckoutHandler(s CheckoutSessions, l MagicLinks, publicBaseURL string, log *logrus.Logger) *CheckoutHandler {
	return &CheckoutHandler{sessions: s, links: l, publicBase: strings.TrimRight(publicBaseURL, "/"), log: log}
}

type createSessionReq struct {
	Email string        `json:"email" validate:"required,email,max=255"`
	Items []cartItemReq `json:"items" validate:"required,min=1,dive"`
}

type updateCartReq struct {
	Items []cartItemReq `json:"items" validate:"required,min=1,dive"`
}

type applyPointsReq struct {
	Points int64 `json:"points" validate:"min=0"`
}

type issueLinkReq struct {
	Email string `json:"email" validate:"required"`
}

// CreateSession handles POST /v1/checkout/sessions.
func (h *CheckoutHandler) CreateSession(c echo.Context) error {
	var req createSessionReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	items, err := toCartItems(req.Items)
	if err != nil {
		return respondError(c, h.log, err)
	}
	s, err := h.sessions.CreateSession(c.Request().Context(), req.Email, items)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"session_id":               s.SessionID,
		"expires_at":               s.ExpiresAt,
		"preview_points_available": s.PreviewPointsAvailable,
	})
}

// GetSession handles GET /v1/checkout/sessions/:id.
func (h *CheckoutHandler) GetSession(c echo.Context) error {
	s, err := h.sessions.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return h.session(c, s)
}

// UpdateCart handles PUT /v1/checkout/sessions/:id/cart.
func (h *CheckoutHandler) UpdateCart(c echo.Context) error {
	var req updateCartReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	items, err := toCartItems(req.Items)
	if err != nil {
		return respondError(c, h.log, err)
	}
	s, err := h.sessions.UpdateCart(c.Request().Context(), c.Param("id"), items)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return h.session(c, s)
}

// ApplyPoints handles POST /v1/checkout/sessions/:id/points.
func (h *CheckoutHandler) ApplyPoints(c echo.Context) error {
	var req applyPointsReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	s, err := h.sessions.ApplyPoints(c.Request().Context(), c.Param("id"), req.Points)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return h.session(c, s)
}

// IssueMagicLink handles POST /v1/checkout/sessions/:id/magic-link.  The
// answer is the same whether or not a link was sent.
func (h *CheckoutHandler) IssueMagicLink(c echo.Context) error {
	var req issueLinkReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	if err := h.links.Issue(c.Request().Context(), c.Param("id"), req.Email); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{
		"status": "if this address has loyalty points, a sign-in link is on its way",
	})
}

// RedeemMagicLink handles GET /v1/checkout/magic-link?token=.  It always
// redirects to the storefront, with the outcome in the query string.
func (h *CheckoutHandler) RedeemMagicLink(c echo.Context) error {
	r, err := h.links.Redeem(c.Request().Context(), c.QueryParam("token"))
	q := url.Values{}
	if r.SessionID != "" {
		q.Set("session_id", r.SessionID)
	}
	if err != nil {
		var se *service.Error
		if errors.As(err, &se) {
			q.Set("error", se.Code)
		} else {
			h.log.WithError(err).Error("magic link redemption failed")
			q.Set("error", "internal_error")
		}
	} else {
		q.Set("points_reserved", strconv.FormatInt(r.PointsReserved, 10))
	}
	return c.Redirect(http.StatusFound, h.publicBase+"/checkout?"+q.Encode())
}

func (h *CheckoutHandler) session(c echo.Context, s model.CheckoutSession) error {
	v, err := toSessionView(s)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, v)
}
