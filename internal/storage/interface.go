package storage

import (
	"context"
	"time"

	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"
)

// UpdateFunc computes the next state for a key from its current state. exists
// is false when the key has no stored state; current is then the zero value.
//
// Optimistic backends may call an UpdateFunc more than once for a single
// Update, so it must not have side effects beyond its return value. Returning
// an error aborts the update and leaves the stored state unchanged.
type UpdateFunc func(current models.LimitState, exists bool) (models.LimitState, error)

// Store holds one LimitState per key. It is the only component allowed to
// mutate limiter state. Implementations must be safe for concurrent use.
type Store interface {
	// Update atomically applies fn to the state of key. Concurrent Updates
	// and Deletes on the same key are serialized; operations on different
	// keys must not wait on each other beyond what the backend inherently
	// imposes. Returns the state that was written.
	Update(ctx context.Context, key string, fn UpdateFunc) (models.LimitState, error)

	// Get returns a snapshot of the state of key. found is false when no
	// state is stored. Get never mutates.
	Get(ctx context.Context, key string) (state models.LimitState, found bool, err error)

	// Delete removes the state of key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Sweep evicts entries whose ExpiresAt has passed and reports how many
	// were removed. Backends with native expiry may return 0.
	Sweep(ctx context.Context) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources and stops background goroutines.
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (memory, sqlite, postgres, redis)
	Type string `json:"type" yaml:"type"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// MaxOpenConns bounds the postgres pool size
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`

	// ConnMaxLifetime recycles pooled connections
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`

	// SweepInterval is how often expired entries are evicted
	SweepInterval time.Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`

	// Shards is the number of lock stripes for the memory backend
	Shards int `json:"shards,omitempty" yaml:"shards,omitempty"`

	// ManualSweep stops the memory backend from sweeping itself; the owner
	// drives Sweep through RunSweeper instead
	ManualSweep bool `json:"-" yaml:"-"`

	// Redis holds settings for the redis backend
	Redis models.RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`

	// Clock supplies time for expiry decisions; defaults to the wall clock
	Clock clock.Clock `json:"-" yaml:"-"`
}

func (c Config) clock() clock.Clock {
	if c.Clock == nil {
		return clock.NewRealClock()
	}
	return c.Clock
}
