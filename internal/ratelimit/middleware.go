package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"gatekeeper/internal/models"
)

// MiddlewareConfig wires the quota middleware.
type MiddlewareConfig struct {
	Limiter  Limiter
	Tiers    *TierResolver
	Identity *IdentityResolver

	// FailOpen lets requests through when the limiter returns an error
	// (typically an unreachable store). When false such requests get 503.
	FailOpen bool
}

// Middleware returns HTTP middleware that enforces the request quota. The
// policy comes from the authenticated account's tier (the default tier for
// anonymous callers) and the key from the IdentityResolver.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := ""
			if acct, ok := models.AccountFromContext(r.Context()); ok {
				tier = acct.Tier
			}
			tierName := cfg.Tiers.Name(tier)
			policy := cfg.Tiers.Resolve(tierName)
			key := cfg.Identity.Key(r)

			decision, err := cfg.Limiter.CheckAndConsume(r.Context(), key, policy)
			if err != nil {
				if cfg.FailOpen {
					slog.Warn("Rate limiter unavailable, allowing request",
						"key", key,
						"error", err,
					)
					next.ServeHTTP(w, r)
					return
				}
				slog.Error("Rate limiter unavailable, rejecting request",
					"key", key,
					"error", err,
				)
				WriteError(w, http.StatusServiceUnavailable,
					models.NewErrorResponse("Rate limiter unavailable", models.ErrorCodeServiceUnavailable))
				return
			}

			w.Header().Set("X-RateLimit-Tier", tierName)
			SetHeaders(w, decision)

			if !decision.Allowed {
				slog.Warn("Rate limit exceeded",
					"key", key,
					"tier", tierName,
					"limit", decision.Limit,
					"retry_after", RetryAfterSeconds(decision.RetryAfter),
				)
				WriteDenied(w, "Rate limit exceeded", decision.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset for d, plus Retry-After when d is a denial.
func SetHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
	}
}

// WriteDenied writes a 429 with the JSON error envelope.
func WriteDenied(w http.ResponseWriter, message string, retryAfter time.Duration) {
	resp := models.NewErrorResponse(message, models.ErrorCodeRateLimitExceeded)
	resp.RetryAfter = RetryAfterSeconds(retryAfter)
	WriteError(w, http.StatusTooManyRequests, resp)
}

// WriteError writes resp as JSON with the given status.
func WriteError(w http.ResponseWriter, status int, resp *models.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// RetryAfterSeconds rounds d up to whole seconds, never below one so a
// client is not told to retry immediately.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
