// Package router registers the HTTP routes of the checkout API.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/config"
	"github.com/iliyamo/trip-checkout/internal/handler"
	"github.com/iliyamo/trip-checkout/internal/middleware"
	"github.com/iliyamo/trip-checkout/internal/model"
)

// RegisterRoutes registers routes that need neither authentication nor
// any backing service.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterAuth exposes operator login, refresh and logout under /v1/auth.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler) {
	g := e.Group("/v1/auth")
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)
}

// RegisterTrips exposes trip availability.  Responses are cached in redis
// for a short time; the cache is bypassed when rdb is nil.
func RegisterTrips(e *echo.Echo, t *handler.TripHandler, cache config.CacheConfig, rdb *redis.Client) {
	e.GET("/v1/trips/:id", t.GetTrip, middleware.NewRedisCache(cache, rdb))
}

// RegisterCheckout exposes the customer checkout flow.  Session creation
// and magic-link issuance are rate limited per client.
func RegisterCheckout(e *echo.Echo, ch *handler.CheckoutHandler, oh *handler.OrderHandler, rl config.RateLimitConfig, rdb *redis.Client, log *logrus.Logger) {
	limit := middleware.NewTokenBucket(rl, rdb, log)

	g := e.Group("/v1/checkout")
	g.POST("/sessions", ch.CreateSession, limit)
	g.GET("/sessions/:id", ch.GetSession)
	g.PUT("/sessions/:id/cart", ch.UpdateCart)
	g.POST("/sessions/:id/points", ch.ApplyPoints)
	g.POST("/sessions/:id/magic-link", ch.IssueMagicLink, limit)
	g.GET("/magic-link", ch.RedeemMagicLink)

	e.POST("/v1/orders", oh.CreateOrder)
	e.GET("/v1/orders/:number", oh.GetOrder)
	e.POST("/v1/orders/:number/payments/gateway", oh.StartGatewayPayment)
	e.POST("/v1/orders/:number/payments/manual", oh.RegisterManualTransfer)
	e.POST("/v1/payments/gateway/notify", oh.GatewayNotify)
}

// RegisterAdmin exposes operator actions.  Every route requires a valid
// access token carrying the OPERATOR role.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, jwtSecret string) {
	g := e.Group("/v1/admin")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole(model.RoleOperator))
	g.POST("/orders/:id/mark-paid", a.MarkPaid)
	g.POST("/orders/:id/cancel", a.Cancel)
	g.GET("/payments/overdue", a.Overdue)
	g.POST("/sweep", a.Sweep)
}
