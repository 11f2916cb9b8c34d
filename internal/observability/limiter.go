package observability

import (
	"context"

	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	outcomeAllowed = "allowed"
	outcomeDenied  = "denied"
	outcomeError   = "error"
)

// InstrumentedLimiter counts limiter decisions by outcome and key kind and
// records how long denied callers are told to wait.
type InstrumentedLimiter struct {
	inner      ratelimit.Limiter
	decisions  metric.Int64Counter
	retryAfter metric.Float64Histogram
	resets     metric.Int64Counter
}

func NewInstrumentedLimiter(inner ratelimit.Limiter) (*InstrumentedLimiter, error) {
	meter := otel.Meter("gatekeeper/ratelimit")

	decisions, err := meter.Int64Counter(
		"ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	retryAfter, err := meter.Float64Histogram(
		"ratelimit.retry_after",
		metric.WithDescription("Retry-After returned to denied callers in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	resets, err := meter.Int64Counter(
		"ratelimit.resets",
		metric.WithDescription("Explicit limiter resets"),
		metric.WithUnit("{reset}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedLimiter{
		inner:      inner,
		decisions:  decisions,
		retryAfter: retryAfter,
		resets:     resets,
	}, nil
}

func (l *InstrumentedLimiter) CheckAndConsume(ctx context.Context, key string, policy models.Policy) (ratelimit.Decision, error) {
	d, err := l.inner.CheckAndConsume(ctx, key, policy)

	outcome := outcomeAllowed
	switch {
	case err != nil:
		outcome = outcomeError
	case !d.Allowed:
		outcome = outcomeDenied
		l.retryAfter.Record(ctx, d.RetryAfter.Seconds(),
			metric.WithAttributes(attribute.String("key.kind", keyKind(key))))
	}
	l.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("key.kind", keyKind(key)),
	))
	return d, err
}

func (l *InstrumentedLimiter) Peek(ctx context.Context, key string, policy models.Policy) (ratelimit.Status, error) {
	return l.inner.Peek(ctx, key, policy)
}

func (l *InstrumentedLimiter) Reset(ctx context.Context, key string) error {
	err := l.inner.Reset(ctx, key)
	if err == nil {
		l.resets.Add(ctx, 1, metric.WithAttributes(attribute.String("key.kind", keyKind(key))))
	}
	return err
}
