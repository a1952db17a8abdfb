package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/iliyamo/trip-checkout"

// Metrics holds the checkout counters.  A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessionsExpired metric.Int64Counter
	ordersCancelled metric.Int64Counter
	seatClaims      metric.Int64Counter
	signatures      metric.Int64Counter
	sweepFailures   metric.Int64Counter
	pointsEarned    metric.Int64Counter
}

// NewMetrics creates the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

func NewMetricsFrom(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error
	if m.sessionsExpired, err = meter.Int64Counter("checkout.sessions.expired",
		metric.WithDescription("Checkout sessions moved to EXPIRED")); err != nil {
		return nil, err
	}
	if m.ordersCancelled, err = meter.Int64Counter("checkout.orders.cancelled",
		metric.WithDescription("Orders cancelled, by reason")); err != nil {
		return nil, err
	}
	if m.seatClaims, err = meter.Int64Counter("checkout.seat_claims",
		metric.WithDescription("Seat claim attempts, by result")); err != nil {
		return nil, err
	}
	if m.signatures, err = meter.Int64Counter("checkout.gateway.signatures",
		metric.WithDescription("Gateway notification signature checks, by matched variant")); err != nil {
		return nil, err
	}
	if m.sweepFailures, err = meter.Int64Counter("checkout.sweep.failures",
		metric.WithDescription("Sweeper items that failed and will be retried")); err != nil {
		return nil, err
	}
	if m.pointsEarned, err = meter.Int64Counter("checkout.loyalty.points_earned",
		metric.WithDescription("Loyalty points credited on confirmation")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) SessionExpired(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsExpired.Add(ctx, 1)
}

func (m *Metrics) OrderCancelled(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ordersCancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) SeatClaim(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "claimed"
	if !ok {
		result = "insufficient"
	}
	m.seatClaims.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// SignatureChecked records which canonical form matched, or "none".
func (m *Metrics) SignatureChecked(ctx context.Context, variant string) {
	if m == nil {
		return
	}
	m.signatures.Add(ctx, 1, metric.WithAttributes(attribute.String("variant", variant)))
}

func (m *Metrics) SweepFailure(ctx context.Context, pass string) {
	if m == nil {
		return
	}
	m.sweepFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", pass)))
}

func (m *Metrics) PointsEarned(ctx context.Context, points int64) {
	if m == nil || points <= 0 {
		return
	}
	m.pointsEarned.Add(ctx, points)
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
