package observability

import (
	"context"
	"strings"
	"time"

	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStore wraps a storage.Store with a span, a latency histogram
// and an error counter per call. Keys are recorded only by kind (the part
// before the first colon) so client addresses never reach telemetry.
type InstrumentedStore struct {
	inner    storage.Store
	backend  string
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
	evicted  metric.Int64Counter
}

// NewInstrumentedStore decorates inner. backend names the storage type.
func NewInstrumentedStore(inner storage.Store, backend string) (*InstrumentedStore, error) {
	tracer := otel.Tracer("gatekeeper/storage")
	meter := otel.Meter("gatekeeper/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of limiter state store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of limiter state store errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	evicted, err := meter.Int64Counter(
		"storage.sweep.evicted",
		metric.WithDescription("Number of expired limiter entries evicted by sweeps"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:    inner,
		backend:  backend,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
		evicted:  evicted,
	}, nil
}

// keyKind returns "login" for "login:alice", "ip" for "ip:192.0.2.1".
func keyKind(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
			attribute.String("storage.backend", s.backend),
		}, attrs...)...),
	)
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("backend", s.backend),
	)
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (s *InstrumentedStore) Update(ctx context.Context, key string, fn storage.UpdateFunc) (models.LimitState, error) {
	ctx, span := s.startSpan(ctx, "Update", attribute.String("key.kind", keyKind(key)))
	start := time.Now()
	result, err := s.inner.Update(ctx, key, fn)
	s.record(ctx, span, "Update", start, err)
	return result, err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (models.LimitState, bool, error) {
	ctx, span := s.startSpan(ctx, "Get", attribute.String("key.kind", keyKind(key)))
	start := time.Now()
	result, found, err := s.inner.Get(ctx, key)
	span.SetAttributes(attribute.Bool("found", found))
	s.record(ctx, span, "Get", start, err)
	return result, found, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	ctx, span := s.startSpan(ctx, "Delete", attribute.String("key.kind", keyKind(key)))
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	s.record(ctx, span, "Delete", start, err)
	return err
}

func (s *InstrumentedStore) Sweep(ctx context.Context) (int, error) {
	ctx, span := s.startSpan(ctx, "Sweep")
	start := time.Now()
	removed, err := s.inner.Sweep(ctx)
	span.SetAttributes(attribute.Int("evicted", removed))
	if removed > 0 {
		s.evicted.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("backend", s.backend)))
	}
	s.record(ctx, span, "Sweep", start, err)
	return removed, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
