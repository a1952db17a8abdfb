package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/payment"
	"github.com/iliyamo/trip-checkout/internal/service"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.Validator = NewRequestValidator()
	return e
}

func do(e *echo.Echo, method, target, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type stubSessions struct {
	created []service.CartItem
	session model.CheckoutSession
	err     error
}

func (s *stubSessions) CreateSession(_ context.Context, email string, items []service.CartItem) (service.NewSession, error) {
	s.created = items
	if s.err != nil {
		return service.NewSession{}, s.err
	}
	return service.NewSession{SessionID: "sess-1", ExpiresAt: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), PreviewPointsAvailable: 20}, nil
}

func (s *stubSessions) GetSession(context.Context, string) (model.CheckoutSession, error) {
	return s.session, s.err
}

func (s *stubSessions) UpdateCart(_ context.Context, _ string, items []service.CartItem) (model.CheckoutSession, error) {
	s.created = items
	return s.session, s.err
}

func (s *stubSessions) ApplyPoints(context.Context, string, int64) (model.CheckoutSession, error) {
	return s.session, s.err
}

type stubLinks struct {
	issued     []string
	redemption service.Redemption
	err        error
}

func (l *stubLinks) Issue(_ context.Context, sessionID, email string) error {
	l.issued = append(l.issued, sessionID+"|"+email)
	return l.err
}

func (l *stubLinks) Redeem(context.Context, string) (service.Redemption, error) {
	return l.redemption, l.err
}

func checkoutEcho(s CheckoutSessions, l MagicLinks) *echo.Echo {
	e := newEcho()
	h := NewCheckoutHandler(s, l, "https://shop.example.com/", quietLogger())
	e.POST("/v1/checkout/sessions", h.CreateSession)
	e.GET("/v1/checkout/sessions/:id", h.GetSession)
	e.PUT("/v1/checkout/sessions/:id/cart", h.UpdateCart)
	e.POST("/v1/checkout/sessions/:id/points", h.ApplyPoints)
	e.POST("/v1/checkout/sessions/:id/magic-link", h.IssueMagicLink)
	e.GET("/v1/checkout/magic-link", h.RedeemMagicLink)
	return e
}

func TestCreateSessionReturnsPreview(t *testing.T) {
	s := &stubSessions{}
	e := checkoutEcho(s, &stubLinks{})

	rec := do(e, http.MethodPost, "/v1/checkout/sessions",
		`{"email":"ann@example.com","items":[{"trip_id":1,"qty":2}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "sess-1", body["session_id"])
	assert.EqualValues(t, 20, body["preview_points_available"])
	require.Len(t, s.created, 1)
	assert.Equal(t, service.CartItem{TripID: 1, Qty: 2}, s.created[0])
}

func TestCreateSessionRejectsBadBody(t *testing.T) {
	e := checkoutEcho(&stubSessions{}, &stubLinks{})

	rec := do(e, http.MethodPost, "/v1/checkout/sessions", `{"email":"not-an-email","items":[{"trip_id":1,"qty":1}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode(t, rec)["error"])

	rec = do(e, http.MethodPost, "/v1/checkout/sessions", `{"email":"ann@example.com","items":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/checkout/sessions", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", service.NotFound("session_not_found", "no such session"), http.StatusNotFound, "session_not_found"},
		{"validation", service.Validation("invalid_points", "bad"), http.StatusBadRequest, "invalid_points"},
		{"conflict", service.Conflict("session_expired", "expired"), http.StatusConflict, "session_expired"},
		{"capacity", service.CapacityError(7, 2, 1), http.StatusUnprocessableEntity, "insufficient_seats"},
		{"unavailable", service.Unavailable("gateway_unavailable", "down", errors.New("timeout")), http.StatusServiceUnavailable, "gateway_unavailable"},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := checkoutEcho(&stubSessions{err: tc.err}, &stubLinks{})
			rec := do(e, http.MethodGet, "/v1/checkout/sessions/abc", "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decode(t, rec)["error"])
		})
	}
}

func TestCapacityErrorCarriesSeatsLeft(t *testing.T) {
	e := checkoutEcho(&stubSessions{err: service.CapacityError(7, 2, 1)}, &stubLinks{})

	rec := do(e, http.MethodPut, "/v1/checkout/sessions/abc/cart", `{"items":[{"trip_id":7,"qty":2}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details, ok := decode(t, rec)["details"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, details["trip_id"])
	assert.EqualValues(t, 2, details["requested"])
	assert.EqualValues(t, 1, details["seats_left"])
}

func TestUnavailableIsRetryable(t *testing.T) {
	e := checkoutEcho(&stubSessions{err: service.Unavailable("store_unavailable", "try again", errors.New("x"))}, &stubLinks{})

	rec := do(e, http.MethodPost, "/v1/checkout/sessions/abc/points", `{"points":5}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	details := decode(t, rec)["details"].(map[string]any)
	assert.Equal(t, true, details["retryable"])
}

func TestGetSessionView(t *testing.T) {
	uid := uint64(4)
	s := &stubSessions{session: model.CheckoutSession{
		ID:            "sess-1",
		CustomerEmail: "ann@example.com",
		Cart: model.Cart{
			{TripID: 1, Qty: 2, UnitPriceCents: 5000},
		},
		BoundUserID:    &uid,
		PointsReserved: 20,
		Status:         model.SessionPending,
	}}
	e := checkoutEcho(s, &stubLinks{})

	rec := do(e, http.MethodGet, "/v1/checkout/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["identity_verified"])
	assert.EqualValues(t, 10000, body["total_cents"])
	assert.EqualValues(t, 2000, body["discount_cents"])
	cart := body["cart"].([]any)
	require.Len(t, cart, 1)
	assert.EqualValues(t, 5000, cart[0].(map[string]any)["unit_price_cents"])
}

func TestIssueMagicLinkIsGeneric(t *testing.T) {
	l := &stubLinks{}
	e := checkoutEcho(&stubSessions{}, l)

	rec := do(e, http.MethodPost, "/v1/checkout/sessions/sess-1/magic-link", `{"email":"ann@example.com"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"sess-1|ann@example.com"}, l.issued)
}

func TestRedeemMagicLinkRedirects(t *testing.T) {
	l := &stubLinks{redemption: service.Redemption{SessionID: "sess-1", PointsReserved: 20}}
	e := checkoutEcho(&stubSessions{}, l)

	rec := do(e, http.MethodGet, "/v1/checkout/magic-link?token=abc", "")
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", loc.Host)
	assert.Equal(t, "/checkout", loc.Path)
	assert.Equal(t, "sess-1", loc.Query().Get("session_id"))
	assert.Equal(t, "20", loc.Query().Get("points_reserved"))
	assert.Empty(t, loc.Query().Get("error"))
}

func TestRedeemMagicLinkFailureRedirectsWithCode(t *testing.T) {
	l := &stubLinks{
		redemption: service.Redemption{SessionID: "sess-1"},
		err:        service.Conflict("token_used", "link already used"),
	}
	e := checkoutEcho(&stubSessions{}, l)

	rec := do(e, http.MethodGet, "/v1/checkout/magic-link?token=abc", "")
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	assert.Equal(t, "token_used", loc.Query().Get("error"))
	assert.Equal(t, "sess-1", loc.Query().Get("session_id"))
	assert.Empty(t, loc.Query().Get("points_reserved"))

	l.err = errors.New("db down")
	l.redemption = service.Redemption{}
	rec = do(e, http.MethodGet, "/v1/checkout/magic-link?token=abc", "")
	loc, _ = url.Parse(rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, "internal_error", loc.Query().Get("error"))
	assert.Empty(t, loc.Query().Get("session_id"))
}

type stubOrders struct {
	input     service.CreateOrderInput
	order     model.Order
	payments  []model.Payment
	paymentID *uint64
	reason    string
	notified  []payment.Notification
	overdue   []model.OverdueTransfer
	err       error
}

func (o *stubOrders) CreateOrder(_ context.Context, in service.CreateOrderInput) (model.Order, error) {
	o.input = in
	return o.order, o.err
}

func (o *stubOrders) GetOrder(context.Context, string) (service.OrderDetails, error) {
	return service.OrderDetails{Order: o.order, Payments: o.payments}, o.err
}

func (o *stubOrders) StartGatewayPayment(context.Context, string) (service.GatewayCheckout, error) {
	return service.GatewayCheckout{PaymentID: 3, ExternalID: "ext-3", RedirectURL: "https://pay.example.com/t/abc"}, o.err
}

func (o *stubOrders) RegisterManualTransfer(context.Context, string) (service.TransferInstructions, error) {
	return service.TransferInstructions{PaymentID: 4, Reference: o.order.OrderNumber, AmountCents: o.order.TotalCents}, o.err
}

func (o *stubOrders) HandleGatewayNotification(_ context.Context, n payment.Notification) error {
	o.notified = append(o.notified, n)
	return o.err
}

func (o *stubOrders) MarkPaid(_ context.Context, _ uint64, paymentID *uint64) (service.Settlement, error) {
	o.paymentID = paymentID
	return service.Settlement{Order: o.order, PaymentID: 4, PointsEarned: 8}, o.err
}

func (o *stubOrders) Cancel(_ context.Context, _ uint64, reason string) (service.Cancellation, error) {
	o.reason = reason
	return service.Cancellation{Order: o.order, RefundedPoints: 15}, o.err
}

func (o *stubOrders) OverdueTransfers(context.Context) ([]model.OverdueTransfer, error) {
	return o.overdue, o.err
}

func orderEcho(o Orders) *echo.Echo {
	e := newEcho()
	h := NewOrderHandler(o, quietLogger())
	e.POST("/v1/orders", h.CreateOrder)
	e.GET("/v1/orders/:number", h.GetOrder)
	e.POST("/v1/orders/:number/payments/gateway", h.StartGatewayPayment)
	e.POST("/v1/orders/:number/payments/manual", h.RegisterManualTransfer)
	e.POST("/v1/payments/gateway/notify", h.GatewayNotify)
	return e
}

func TestCreateOrderMapsRequest(t *testing.T) {
	o := &stubOrders{order: model.Order{ID: 9, OrderNumber: "TRP-1", Status: model.OrderSubmitted, TotalCents: 8000}}
	e := orderEcho(o)

	rec := do(e, http.MethodPost, "/v1/orders", `{
		"session_id":"sess-1","email":"ann@example.com","use_points":true,
		"customer":{"first_name":"Ann","last_name":"Lee"},
		"items":[{"trip_id":1,"qty":2,"passengers":[
			{"first_name":"Ann","last_name":"Lee","birth_date":"1990-05-01"},
			{"first_name":"Bo","last_name":"Lee"}]}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "TRP-1", decode(t, rec)["order_number"])

	assert.True(t, o.input.UsePoints)
	assert.Equal(t, "Ann", o.input.Customer.FirstName)
	require.Len(t, o.input.Items, 1)
	assert.Equal(t, 2, o.input.Items[0].Qty)
	require.Len(t, o.input.Items[0].Passengers, 2)
	assert.Equal(t, "1990-05-01", o.input.Items[0].Passengers[0].BirthDate)
}

func TestCreateOrderValidatesPassengers(t *testing.T) {
	e := orderEcho(&stubOrders{})

	rec := do(e, http.MethodPost, "/v1/orders", `{
		"session_id":"sess-1","email":"ann@example.com",
		"customer":{"first_name":"Ann","last_name":"Lee"},
		"items":[{"trip_id":1,"qty":1,"passengers":[{"first_name":"","last_name":"Lee"}]}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrderIncludesPayments(t *testing.T) {
	o := &stubOrders{
		order: model.Order{ID: 9, OrderNumber: "TRP-1", Status: model.OrderSubmitted},
		payments: []model.Payment{
			{ID: 3, Provider: model.ProviderManualTransfer, Status: model.PaymentPending, AmountCents: 8000},
		},
	}
	rec := do(orderEcho(o), http.MethodGet, "/v1/orders/TRP-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pays := decode(t, rec)["payments"].([]any)
	require.Len(t, pays, 1)
	assert.EqualValues(t, 8000, pays[0].(map[string]any)["amount_cents"])
}

func TestStartGatewayPayment(t *testing.T) {
	rec := do(orderEcho(&stubOrders{}), http.MethodPost, "/v1/orders/TRP-1/payments/gateway", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "https://pay.example.com/t/abc", decode(t, rec)["redirect_url"])

	rec = do(orderEcho(&stubOrders{err: service.Unavailable("gateway_unavailable", "down", nil)}),
		http.MethodPost, "/v1/orders/TRP-1/payments/gateway", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGatewayNotify(t *testing.T) {
	o := &stubOrders{}
	e := orderEcho(o)

	rec := do(e, http.MethodPost, "/v1/payments/gateway/notify", `{"sessionId":"ext-3","amount":8000,"sign":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, o.notified, 1)
	assert.Equal(t, "ext-3", o.notified[0].SessionID)

	rec = do(e, http.MethodPost, "/v1/payments/gateway/notify", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	o.err = service.Validation("bad_signature", "signature mismatch")
	rec = do(e, http.MethodPost, "/v1/payments/gateway/notify", `{"sessionId":"ext-3"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTripView(t *testing.T) {
	e := newEcho()
	h := NewTripHandler(stubTrips{trip: model.Trip{ID: 1, Title: "Lakes", Capacity: 10, SeatsLeft: 3, Availability: model.AvailabilityOpen}}, quietLogger())
	e.GET("/v1/trips/:id", h.GetTrip)

	rec := do(e, http.MethodGet, "/v1/trips/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["seats_left"])
	assert.Equal(t, true, body["bookable"])

	rec = do(e, http.MethodGet, "/v1/trips/zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubTrips struct {
	trip model.Trip
	err  error
}

func (s stubTrips) Availability(context.Context, uint64) (model.Trip, error) { return s.trip, s.err }
