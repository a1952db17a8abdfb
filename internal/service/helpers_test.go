package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/config"
	"github.com/iliyamo/trip-checkout/internal/mailer"
	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/payment"
	"github.com/iliyamo/trip-checkout/internal/queue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentLink struct {
	To   string
	Link string
}

type fakeMailer struct {
	mu       sync.Mutex
	links    []sentLink
	orders   []mailer.Receipt
	payments []mailer.Receipt
}

func (m *fakeMailer) SendMagicLink(_ context.Context, to, link string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, sentLink{To: to, Link: link})
	return nil
}

func (m *fakeMailer) SendOrderConfirmation(_ context.Context, r mailer.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, r)
	return nil
}

func (m *fakeMailer) SendPaymentConfirmation(_ context.Context, r mailer.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, r)
	return nil
}

func (m *fakeMailer) sentLinks() []sentLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentLink(nil), m.links...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.OrderEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, ev queue.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeGateway struct {
	createErr error
	verifyErr error
	crc       string
	created   []payment.RegisterRequest
}

func (g *fakeGateway) Configured() bool { return true }

func (g *fakeGateway) Currency() string { return "PLN" }

func (g *fakeGateway) CreateTransaction(_ context.Context, r payment.RegisterRequest) (payment.Registration, error) {
	g.created = append(g.created, r)
	if g.createErr != nil {
		return payment.Registration{}, g.createErr
	}
	return payment.Registration{Token: "tok-" + r.SessionID, RedirectURL: "https://pay.test/trnRequest/tok-" + r.SessionID}, nil
}

func (g *fakeGateway) VerifyTransaction(context.Context, payment.VerifyRequest) error { return g.verifyErr }

func (g *fakeGateway) VerifyNotification(n payment.Notification) payment.SignatureMatch {
	return payment.VerifySignature(n, g.crc)
}

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

var testCheckoutConfig = config.CheckoutConfig{
	SessionTTL:            30 * time.Minute,
	MagicLinkTTL:          15 * time.Minute,
	GatewayPaymentTTL:     time.Hour,
	ManualTransferOverdue: 72 * time.Hour,
	PointsTTL:             365 * 24 * time.Hour,
}

type harness struct {
	clock    *fakeClock
	store    *memStore
	mail     *fakeMailer
	events   *fakePublisher
	gateway  *fakeGateway
	core     *Core
	checkout *CheckoutService
	links    *MagicLinkService
	orders   *OrderService
	sweeper  *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{t: testStart}
	st := newMemStore()
	st.now = clock.Now
	log := logrus.New()
	log.SetOutput(io.Discard)

	h := &harness{
		clock:   clock,
		store:   st,
		mail:    &fakeMailer{},
		events:  &fakePublisher{},
		gateway: &fakeGateway{crc: "crc-secret"},
	}
	h.core = NewCore(st, testCheckoutConfig, log, WithClock(clock.Now), WithAsync(func(f func()) { f() }))
	h.checkout = NewCheckoutService(h.core)
	h.links = NewMagicLinkService(h.core, h.mail, "https://api.test/")
	h.orders = NewOrderService(h.core, h.mail, h.events, h.gateway,
		config.BankConfig{AccountName: "Trips Ltd", AccountNumber: "PL00 1111"},
		URLs{PublicBase: "https://shop.test", APIBase: "https://api.test"})
	h.sweeper = NewSweeper(h.orders, 50)

	st.addTrip(model.Trip{ID: 1, Title: "Tatra weekend", PriceCents: 5000, Capacity: 10, SeatsLeft: 10, Availability: model.AvailabilityOpen})
	st.addTrip(model.Trip{ID: 2, Title: "Baltic cruise", PriceCents: 2500, Capacity: 10, SeatsLeft: 2, Availability: model.AvailabilityOpen})
	return h
}

func passengers(n int) []model.Passenger {
	out := make([]model.Passenger, n)
	for i := range out {
		out[i] = model.Passenger{FirstName: "Ann", LastName: "Nowak"}
	}
	return out
}

// openSession creates a session holding one line of qty seats on trip.
func (h *harness) openSession(t *testing.T, email string, trip uint64, qty int) NewSession {
	t.Helper()
	s, err := h.checkout.CreateSession(context.Background(), email, []CartItem{{TripID: trip, Qty: qty}})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (h *harness) orderInput(sessionID, email string, trip uint64, qty int, usePoints bool) CreateOrderInput {
	return CreateOrderInput{
		SessionID: sessionID,
		Email:     email,
		Customer:  Customer{FirstName: "Ann", LastName: "Nowak", Phone: "+48 600 000 000"},
		Items:     []OrderLine{{TripID: trip, Qty: qty, Passengers: passengers(qty)}},
		UsePoints: usePoints,
	}
}
