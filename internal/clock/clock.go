// Package clock abstracts wall-clock time so limiter state transitions can be
// driven by simulated time in tests.
package clock

import "time"

// Clock supplies the current time. All time-dependent code in the limiter and
// its stores reads time through this interface instead of calling time.Now.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration
}

// RealClock delegates to the standard time package.
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}
