// Package models - Rate limit policies and per-key limiter state.
// This file defines the immutable Policy triple and the mutable LimitState
// record owned by the state stores.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPolicy is returned when a policy violates its invariants. It is a
// programmer or operator error and is raised before any limiter state is touched.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Policy bounds how often an identity may act.
//
//   - MaxAttempts: attempts allowed per window before a lockout
//   - Window: length of the counting window
//   - BlockDuration: lockout length once MaxAttempts is exceeded; zero means
//     the key is denied until its window rolls over instead of being locked out
//
// A zero BlockDuration is not treated as a lockout that expires instantly.
// Attempts past MaxAttempts are denied without being counted, each reporting
// the time left in the current window, and only the first attempt after the
// window ends starts a fresh one.
type Policy struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	Window        time.Duration `yaml:"window" json:"window"`
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`
}

// NewPolicy builds a validated Policy.
func NewPolicy(maxAttempts int, window, blockDuration time.Duration) (Policy, error) {
	p := Policy{
		MaxAttempts:   maxAttempts,
		Window:        window,
		BlockDuration: blockDuration,
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// MustPolicy is like NewPolicy but panics on invalid input. Intended for
// package-level defaults and tests.
func MustPolicy(maxAttempts int, window, blockDuration time.Duration) Policy {
	p, err := NewPolicy(maxAttempts, window, blockDuration)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidPolicy, p.Window)
	}
	if p.BlockDuration < 0 {
		return fmt.Errorf("%w: block duration cannot be negative, got %s", ErrInvalidPolicy, p.BlockDuration)
	}
	return nil
}

// LimitState is the per-key record kept by a state store. A key with no
// stored state behaves exactly like a freshly reset key.
type LimitState struct {
	Attempts     int        `json:"attempts"`
	WindowStart  time.Time  `json:"window_start"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`

	// ExpiresAt is the instant after which the record is indistinguishable
	// from a missing one under the policy it was written with. Stores use it
	// for eviction and TTLs; it carries no limiter semantics of its own.
	ExpiresAt time.Time `json:"expires_at"`
}

// IsBlocked reports whether a lockout is active at now.
func (s LimitState) IsBlocked(now time.Time) bool {
	return s.BlockedUntil != nil && now.Before(*s.BlockedUntil)
}

// WindowExpired reports whether the counting window that began at
// WindowStart has fully elapsed at now.
func (s LimitState) WindowExpired(now time.Time, window time.Duration) bool {
	return now.Sub(s.WindowStart) >= window
}

// Expired reports whether the record can be evicted at now.
func (s LimitState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so callers never share the BlockedUntil pointer
// with a store's internal record.
func (s LimitState) Clone() LimitState {
	c := s
	if s.BlockedUntil != nil {
		t := *s.BlockedUntil
		c.BlockedUntil = &t
	}
	return c
}
