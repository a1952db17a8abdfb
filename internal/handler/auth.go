package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/config"
	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/repository"
	"github.com/iliyamo/trip-checkout/internal/store"
	"github.com/iliyamo/trip-checkout/internal/utils"
)

// Users looks up accounts for operator login.
type Users interface {
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
}

// RefreshTokens stores operator refresh tokens by hash.
type RefreshTokens interface {
	StoreRefresh(ctx context.Context, userID uint64, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string, now time.Time) (uint64, error)
	RotateRefresh(ctx context.Context, oldHash string, userID uint64, newHash string, exp time.Time) error
	RevokeByHash(ctx context.Context, tokenHash string) error
}

// AuthHandler serves operator login, token refresh and logout.  Customers
// never log in; only OPERATOR accounts are accepted.
type AuthHandler struct {
	cfg    config.Config
	users  Users
	tokens RefreshTokens
	log    *logrus.Logger
	now    func() time.Time
}

func NewAuthHandler(cfg config.Config, u Users, t RefreshTokens, log *logrus.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, users: u, tokens: t, log: log, now: time.Now}
}

type loginReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type userPart struct {
	ID    uint64 `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type authResp struct {
	User    userPart  `json:"user"`
	Access  tokenPart `json:"access"`
	Refresh tokenPart `json:"refresh"`
}

func (h *AuthHandler) issue(u model.User) (utils.AccessToken, utils.RefreshToken, error) {
	now := h.now()
	access, err := utils.NewAccessToken(h.cfg.JWTSecret, u.ID, u.Role, time.Duration(h.cfg.AccessTTLMin)*time.Minute, now)
	if err != nil {
		return access, utils.RefreshToken{}, err
	}
	refresh, err := utils.NewRefreshToken(time.Duration(h.cfg.RefreshTTLDays)*24*time.Hour, now)
	return access, refresh, err
}

// Login handles POST /v1/auth/login.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.users.GetByEmail(ctx, repository.NormalizeEmail(req.Email))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if err != nil {
		h.log.WithError(err).Error("load user")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "query failed"})
	}
	if !u.IsActive || u.Role != model.RoleOperator || !utils.VerifyPassword(u.PasswordHash, req.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	access, refresh, err := h.issue(u)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue tokens failed"})
	}
	if err := h.tokens.StoreRefresh(ctx, u.ID, utils.HashToken(refresh.Raw), refresh.Exp); err != nil {
		h.log.WithError(err).Error("store refresh token")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "save refresh failed"})
	}
	h.log.WithField("operator_id", u.ID).Info("operator logged in")
	return c.JSON(http.StatusOK, authResp{
		User:    userPart{ID: u.ID, Email: u.Email, Role: u.Role},
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp},
	})
}

// Refresh handles POST /v1/auth/refresh.  The presented token is revoked
// and replaced; a token can be exchanged only once.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	hash := utils.HashToken(strings.TrimSpace(req.RefreshToken))
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	userID, err := h.tokens.ValidateRefresh(ctx, hash, h.now())
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
	}
	u, err := h.users.GetByID(ctx, userID)
	if err != nil || !u.IsActive || u.Role != model.RoleOperator {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
	}
	access, refresh, err := h.issue(u)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue tokens failed"})
	}
	if err := h.tokens.RotateRefresh(ctx, hash, u.ID, utils.HashToken(refresh.Raw), refresh.Exp); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
		}
		h.log.WithError(err).Error("rotate refresh token")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "save refresh failed"})
	}
	return c.JSON(http.StatusOK, authResp{
		User:    userPart{ID: u.ID, Email: u.Email, Role: u.Role},
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp},
	})
}

// Logout handles POST /v1/auth/logout by revoking the given refresh token.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	if msg := bind(c, &req); msg != "" {
		return badRequest(c, msg)
	}
	hash := utils.HashToken(strings.TrimSpace(req.RefreshToken))
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if _, err := h.tokens.ValidateRefresh(ctx, hash, h.now()); err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
	}
	if err := h.tokens.RevokeByHash(ctx, hash); err != nil {
		h.log.WithError(err).Error("revoke refresh token")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
	}
	return c.NoContent(http.StatusNoContent)
}
