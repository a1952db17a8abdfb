package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/config"
)

// gcraScript is a generic cell rate limiter.  The key holds the
// theoretical arrival time (tat) of the next request in ms; a request is
// admitted while tat stays within burst emission intervals of now.  It
// returns {allowed, remaining, retry_after_ms}.
var gcraScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local tat = tonumber(redis.call('GET', KEYS[1]))
if tat == nil or tat < now then
  tat = now
end

local window = burst * interval
local allow_at = tat + interval - window
if now < allow_at then
  return { 0, 0, allow_at - now }
end

tat = tat + interval
redis.call('SET', KEYS[1], tat, 'PX', ttl_ms)
return { 1, math.floor((now + window - tat) / interval), 0 }
`)

// emission is the spacing between admitted requests once the burst is
// spent.
func emission(cfg config.RateLimitConfig) time.Duration {
	d := cfg.RefillInterval / time.Duration(cfg.RefillTokens)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// NewTokenBucket limits requests per key: Capacity requests may arrive at
// once, then RefillTokens per RefillInterval.  It passes everything through
// when limiting is disabled or redis is unavailable, and fails open on a
// redis error.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log *logrus.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return passThrough
	}
	step := emission(cfg).Milliseconds()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := rateKey(cfg, c)
			vals, err := gcraScript.Run(c.Request().Context(), rdb, []string{key},
				time.Now().UnixMilli(), cfg.Capacity, step, cfg.TTL.Milliseconds(),
			).Int64Slice()
			if err != nil || len(vals) != 3 {
				log.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(vals[1], 10))
			if vals[0] == 1 {
				return next(c)
			}
			secs := retryAfter(vals[2])
			h.Set("Retry-After", strconv.Itoa(secs))
			if cfg.Debug {
				log.WithFields(logrus.Fields{"key": key, "retry_ms": vals[2]}).Info("rate limited")
			}
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":       "too_many_requests",
				"message":     "slow down and try again shortly",
				"retry_after": secs,
			})
		}
	}
}

// retryAfter rounds a wait in ms up to whole seconds, at least one.
func retryAfter(ms int64) int {
	secs := int((ms + 999) / 1000)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func passThrough(next echo.HandlerFunc) echo.HandlerFunc { return next }

// rateKey builds the bucket key.  Strategies: "ip", "route",
// "session" (ip plus the :id path parameter, so one client cannot flood a
// single checkout session) and the default "ip_route".
func rateKey(cfg config.RateLimitConfig, c echo.Context) string {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	route := c.Request().Method + " " + c.Path()
	parts := []string{cfg.Prefix}
	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "route":
		parts = append(parts, "route", route)
	case "session":
		parts = append(parts, "ip", ip, "route", route)
		if id := c.Param("id"); id != "" {
			parts = append(parts, "session", id)
		}
	default:
		parts = append(parts, "ip", ip, "route", route)
	}
	return strings.Join(parts, ":")
}
