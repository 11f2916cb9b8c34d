// Package ratelimit decides whether an identity may perform an action under a
// Policy. RateLimiter holds the window/lockout state machine; everything else
// in the package adapts HTTP requests to it: TierResolver picks the policy,
// IdentityResolver picks the key, and Middleware enforces the result and
// sets the standard rate limit response headers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

// Limiter is the contract consumed by the HTTP middleware and the login
// guard. Implementations must be safe for concurrent use.
type Limiter interface {
	// CheckAndConsume records one attempt for key under policy and reports
	// whether it may proceed. Denial is reported in the Decision, not as an
	// error.
	CheckAndConsume(ctx context.Context, key string, policy models.Policy) (Decision, error)

	// Peek reports the state of key under policy without consuming an attempt.
	Peek(ctx context.Context, key string, policy models.Policy) (Status, error)

	// Reset clears all state for key.
	Reset(ctx context.Context, key string) error
}

// Decision is the outcome of CheckAndConsume.
type Decision struct {
	Allowed    bool
	Limit      int           // MaxAttempts of the applied policy
	Remaining  int           // Attempts left in the current window
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
	ResetAt    time.Time     // When the window ends or, while locked out, when the lockout ends
}

// Status is a read-only view of a key returned by Peek.
type Status struct {
	Blocked          bool
	Limit            int
	Remaining        int
	UntilWindowReset time.Duration
	UntilUnblock     time.Duration
}

// RateLimiter applies fixed-window counting with an escalating lockout. Each
// check is a single Store.Update, so the read, the decision and the write for
// a key happen atomically.
type RateLimiter struct {
	store storage.Store
	clock clock.Clock
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(l *RateLimiter) {
		l.clock = c
	}
}

// NewRateLimiter creates a limiter over store.
func NewRateLimiter(store storage.Store, opts ...Option) *RateLimiter {
	l := &RateLimiter{
		store: store,
		clock: clock.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume runs the full window and lockout transition for key.
func (l *RateLimiter) CheckAndConsume(ctx context.Context, key string, policy models.Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}

	var decision Decision
	_, err := l.store.Update(ctx, key, func(current models.LimitState, exists bool) (models.LimitState, error) {
		var next models.LimitState
		next, decision = consume(current, exists, policy, l.clock.Now())
		return next, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("check rate limit for %q: %w", key, err)
	}
	return decision, nil
}

// Peek reports the state of key as CheckAndConsume would see it now.
func (l *RateLimiter) Peek(ctx context.Context, key string, policy models.Policy) (Status, error) {
	if err := policy.Validate(); err != nil {
		return Status{}, err
	}

	state, found, err := l.store.Get(ctx, key)
	if err != nil {
		return Status{}, fmt.Errorf("peek rate limit for %q: %w", key, err)
	}
	return inspect(state, found, policy, l.clock.Now()), nil
}

// Reset clears the state of key; the next check starts a fresh window.
func (l *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("reset rate limit for %q: %w", key, err)
	}
	return nil
}

// consume is the state transition behind CheckAndConsume. It is pure so that
// optimistic stores can re-run it.
func consume(state models.LimitState, exists bool, policy models.Policy, now time.Time) (models.LimitState, Decision) {
	d := Decision{Limit: policy.MaxAttempts}

	// An active lockout wins over everything, including window rollover.
	if exists && state.IsBlocked(now) {
		d.RetryAfter = nonNegative(state.BlockedUntil.Sub(now))
		d.ResetAt = *state.BlockedUntil
		return state, d
	}

	// Expired lockouts and elapsed windows both start over.
	if !exists || state.BlockedUntil != nil || state.WindowExpired(now, policy.Window) {
		state = models.LimitState{WindowStart: now}
	}

	windowEnd := state.WindowStart.Add(policy.Window)
	d.ResetAt = windowEnd

	if policy.BlockDuration == 0 && state.Attempts >= policy.MaxAttempts {
		// Without a lockout the key stays denied until the window ends.
		d.RetryAfter = nonNegative(windowEnd.Sub(now))
		state.ExpiresAt = windowEnd
		return state, d
	}

	state.Attempts++
	if state.Attempts > policy.MaxAttempts {
		blockedUntil := now.Add(policy.BlockDuration)
		state.BlockedUntil = &blockedUntil
		state.ExpiresAt = later(windowEnd, blockedUntil)
		d.RetryAfter = policy.BlockDuration
		d.ResetAt = blockedUntil
		return state, d
	}

	state.ExpiresAt = windowEnd
	d.Allowed = true
	d.Remaining = policy.MaxAttempts - state.Attempts
	return state, d
}

// inspect derives a Status without changing anything.
func inspect(state models.LimitState, found bool, policy models.Policy, now time.Time) Status {
	s := Status{Limit: policy.MaxAttempts, Remaining: policy.MaxAttempts}
	if !found {
		return s
	}

	if state.IsBlocked(now) {
		s.Blocked = true
		s.Remaining = 0
		s.UntilUnblock = nonNegative(state.BlockedUntil.Sub(now))
		s.UntilWindowReset = nonNegative(state.WindowStart.Add(policy.Window).Sub(now))
		return s
	}
	if state.BlockedUntil != nil || state.WindowExpired(now, policy.Window) {
		return s
	}

	s.Remaining = max(policy.MaxAttempts-state.Attempts, 0)
	s.UntilWindowReset = nonNegative(state.WindowStart.Add(policy.Window).Sub(now))
	return s
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
