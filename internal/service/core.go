// Package service holds the checkout engine: sessions, magic links, seat
// inventory, the loyalty ledger, order and payment reconciliation and the
// expiry sweeper.  Every state change runs inside one store transaction;
// emails, events and gateway calls happen only after it commits.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/config"
	"github.com/iliyamo/trip-checkout/internal/mailer"
	"github.com/iliyamo/trip-checkout/internal/payment"
	"github.com/iliyamo/trip-checkout/internal/queue"
	"github.com/iliyamo/trip-checkout/internal/store"
	"github.com/iliyamo/trip-checkout/internal/telemetry"
)

// Mailer sends customer emails.
type Mailer interface {
	SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error
	SendOrderConfirmation(ctx context.Context, r mailer.Receipt) error
	SendPaymentConfirmation(ctx context.Context, r mailer.Receipt) error
}

// Publisher emits order events to the broker.
type Publisher interface {
	Publish(ctx context.Context, ev queue.OrderEvent) error
}

// Gateway is the card payment provider.
type Gateway interface {
	Configured() bool
	Currency() string
	CreateTransaction(ctx context.Context, r payment.RegisterRequest) (payment.Registration, error)
	VerifyTransaction(ctx context.Context, r payment.VerifyRequest) error
	VerifyNotification(n payment.Notification) payment.SignatureMatch
}

// Core is shared by all services: the store, the time source, and the
// inventory and ledger components that own seats_left and
// points_balance.
type Core struct {
	store     store.Store
	cfg       config.CheckoutConfig
	log       *logrus.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
	async     func(func())
	inventory *Inventory
	ledger    *Ledger
}

// Option customizes a Core.
type Option func(*Core)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Core) { c.now = now } }

func WithMetrics(m *telemetry.Metrics) Option { return func(c *Core) { c.metrics = m } }

// WithAsync sets how post-commit side effects (mail, events) run.  The
// default starts a goroutine per effect.
func WithAsync(run func(func())) Option { return func(c *Core) { c.async = run } }

func NewCore(st store.Store, cfg config.CheckoutConfig, log *logrus.Logger, opts ...Option) *Core {
	c := &Core{
		store: st,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		async: func(fn func()) { go fn() },
	}
	for _, o := range opts {
		o(c)
	}
	c.inventory = &Inventory{metrics: c.metrics}
	c.ledger = &Ledger{pointsTTL: cfg.PointsTTL}
	return c
}

// Ledger exposes the loyalty ledger component.
func (c *Core) Ledger() *Ledger { return c.ledger }

// afterCommit runs fn detached from the request context so a client
// disconnect does not abort delivery.
func (c *Core) afterCommit(ctx context.Context, fn func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)
	c.async(func() { fn(detached) })
}

var validate = validator.New()

func normalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func validEmail(s string) bool { return validate.Var(s, "required,email,max=255") == nil }
