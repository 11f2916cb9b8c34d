package observability

import (
	"context"
	"testing"
	"time"

	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInstrumentedLimiter_CountsOutcomes(t *testing.T) {
	reader, _ := installTestProviders(t)

	clk := clock.NewVirtualClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	base := ratelimit.NewRateLimiter(newMemoryStore(t), ratelimit.WithClock(clk))
	limiter, err := NewInstrumentedLimiter(base)
	require.NoError(t, err)

	policy := models.MustPolicy(2, time.Minute, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.CheckAndConsume(ctx, "login:bob", policy)
		require.NoError(t, err)
	}
	_, err = limiter.CheckAndConsume(ctx, "login:bob", models.Policy{})
	require.ErrorIs(t, err, models.ErrInvalidPolicy)

	status, err := limiter.Peek(ctx, "login:bob", policy)
	require.NoError(t, err)
	assert.True(t, status.Blocked)

	require.NoError(t, limiter.Reset(ctx, "login:bob"))

	metrics := collect(t, reader)
	require.Contains(t, metrics, "ratelimit.decisions")
	sum := metrics["ratelimit.decisions"].Data.(metricdata.Sum[int64])

	byOutcome := map[string]int64{}
	for _, dp := range sum.DataPoints {
		outcome, ok := dp.Attributes.Value("outcome")
		require.True(t, ok)
		kind, _ := dp.Attributes.Value("key.kind")
		assert.Equal(t, "login", kind.AsString())
		byOutcome[outcome.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{outcomeAllowed: 2, outcomeDenied: 1, outcomeError: 1}, byOutcome)

	hist := metrics["ratelimit.retry_after"].Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, (5 * time.Minute).Seconds(), hist.DataPoints[0].Sum, 0.001)

	assert.Equal(t, int64(1), sumOf(t, metrics["ratelimit.resets"]))
}

func TestInstrumentedLimiter_ImplementsLimiter(t *testing.T) {
	var _ ratelimit.Limiter = (*InstrumentedLimiter)(nil)
}
