package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/trip-checkout/internal/config"
	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/utils"
)

const secret = "test-secret"

func protected() *echo.Echo {
	e := echo.New()
	g := e.Group("/admin", JWTAuth(secret), RequireRole(model.RoleOperator))
	g.GET("/whoami", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"id": UserID(c)})
	})
	return e
}

func call(e *echo.Echo, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuthAndRole(t *testing.T) {
	e := protected()
	now := time.Now()

	op, err := utils.NewAccessToken(secret, 42, model.RoleOperator, time.Minute, now)
	require.NoError(t, err)
	rec := call(e, op.Token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":42}`, rec.Body.String())

	cust, err := utils.NewAccessToken(secret, 43, model.RoleCustomer, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, call(e, cust.Token).Code)

	forged, err := utils.NewAccessToken("other", 42, model.RoleOperator, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(e, forged.Token).Code)

	expired, err := utils.NewAccessToken(secret, 42, model.RoleOperator, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(e, expired.Token).Code)

	assert.Equal(t, http.StatusUnauthorized, call(e, "").Code)
}

func TestLimiterAndCacheDisabledWithoutRedis(t *testing.T) {
	e := echo.New()
	log := logrus.New()
	log.SetOutput(io.Discard)
	hits := 0
	e.GET("/x", func(c echo.Context) error {
		hits++
		return c.String(http.StatusOK, "ok")
	},
		NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil, log),
		NewRedisCache(config.CacheConfig{Enabled: true, TTL: time.Second, Methods: map[string]bool{"GET": true}}, nil),
	)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 3, hits)
}

func TestPayloadRoundTrip(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	bs, err := encodePayload(http.StatusOK, hdr, []byte(`{"seats_left":3}`))
	require.NoError(t, err)

	status, got, body, ok := decodePayload(bs)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, `{"seats_left":3}`, string(body))

	_, _, _, ok = decodePayload([]byte{0, 1})
	assert.False(t, ok)
}

func TestCaptureWriterLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := &captureWriter{ResponseWriter: rec, limit: 4}
	_, _ = cw.Write([]byte("abc"))
	_, _ = cw.Write([]byte("defg"))
	assert.Equal(t, "abcd", cw.buf.String())
	assert.Equal(t, int64(7), cw.size)
	assert.Equal(t, "abcdefg", rec.Body.String())
}

func TestRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/checkout/sessions", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/checkout/sessions")

	assert.Equal(t, "rl:ip:10.0.0.1:route:POST /v1/checkout/sessions",
		rateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: "ip_route"}, c))
	assert.Equal(t, "rl:ip:10.0.0.1", rateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: "ip"}, c))
}

func TestRateKeyPerSession(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/checkout/sessions/abc/magic-link", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/checkout/sessions/:id/magic-link")
	c.SetParamNames("id")
	c.SetParamValues("abc")

	assert.Equal(t, "rl:ip:10.0.0.1:route:POST /v1/checkout/sessions/:id/magic-link:session:abc",
		rateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: "session"}, c))
}

func TestEmissionAndRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, emission(config.RateLimitConfig{RefillTokens: 1, RefillInterval: 3 * time.Second}))
	assert.Equal(t, 500*time.Millisecond, emission(config.RateLimitConfig{RefillTokens: 2, RefillInterval: time.Second}))
	assert.Equal(t, time.Millisecond, emission(config.RateLimitConfig{RefillTokens: 10, RefillInterval: time.Microsecond}))

	assert.Equal(t, 1, retryAfter(0))
	assert.Equal(t, 1, retryAfter(1000))
	assert.Equal(t, 2, retryAfter(1001))
}
