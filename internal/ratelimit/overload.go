package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"

	"gatekeeper/internal/models"

	"golang.org/x/time/rate"
)

// OverloadGuard is a process-wide token bucket placed in front of the
// per-identity limiter. It bounds total request throughput, including
// requests that would only be rejected further down, so a flood of distinct
// identities cannot overwhelm the state store.
type OverloadGuard struct {
	limiter *rate.Limiter
}

// NewOverloadGuard allows requestsPerSecond on average with bursts up to burst.
func NewOverloadGuard(requestsPerSecond float64, burst int) *OverloadGuard {
	return &OverloadGuard{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Allow consumes a token if one is available.
func (g *OverloadGuard) Allow() bool {
	return g.limiter.Allow()
}

// Middleware rejects requests with 503 when the bucket is empty.
func (g *OverloadGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.limiter.Allow() {
			next.ServeHTTP(w, r)
			return
		}

		// Time until the next token is available
		reservation := g.limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()

		slog.Warn("Server overloaded, shedding request",
			"path", r.URL.Path,
			"retry_after", RetryAfterSeconds(delay),
		)
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(delay)))
		WriteError(w, http.StatusServiceUnavailable,
			models.NewErrorResponse("Server overloaded", models.ErrorCodeServiceUnavailable))
	})
}
