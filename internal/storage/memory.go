package storage

import (
	"context"
	"sync"
	"time"

	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultShards        = 64
	defaultSweepInterval = time.Minute
)

// MemoryStore keeps limiter state in process memory. Keys are spread over a
// fixed number of shards, each guarded by its own lock, so updates to keys in
// different shards never contend. A background goroutine periodically evicts
// entries whose window and lockout have both passed.
type MemoryStore struct {
	clock         clock.Clock
	shards        []*memoryShard
	sweepInterval time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]models.LimitState
}

// NewMemoryStore creates a memory-backed store and, unless config.ManualSweep
// is set, starts its sweep goroutine.
func NewMemoryStore(config Config) (*MemoryStore, error) {
	shards := config.Shards
	if shards <= 0 {
		shards = defaultShards
	}
	interval := config.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	m := &MemoryStore{
		clock:         config.clock(),
		shards:        make([]*memoryShard, shards),
		sweepInterval: interval,
		done:          make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{entries: make(map[string]models.LimitState)}
	}

	if !config.ManualSweep {
		go m.cleanup()
	}
	return m, nil
}

func (m *MemoryStore) shardFor(key string) *memoryShard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Update applies fn to key while holding the key's shard lock.
func (m *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) (models.LimitState, error) {
	if key == "" {
		return models.LimitState{}, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return models.LimitState{}, err
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entries[key]
	next, err := fn(current.Clone(), exists)
	if err != nil {
		return models.LimitState{}, err
	}

	// Store a copy to prevent external modification
	s.entries[key] = next.Clone()
	return next, nil
}

// Get returns a copy of the state of key.
func (m *MemoryStore) Get(ctx context.Context, key string) (models.LimitState, bool, error) {
	if key == "" {
		return models.LimitState{}, false, ErrEmptyKey
	}

	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.entries[key]
	if !ok {
		return models.LimitState{}, false, nil
	}
	return state.Clone(), true, nil
}

// Delete removes the state of key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Sweep evicts expired entries one shard at a time, so a sweep never holds
// more than one shard lock.
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for _, s := range m.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		now := m.clock.Now()
		s.mu.Lock()
		for key, state := range s.entries {
			if state.Expired(now) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}

// cleanup periodically evicts expired entries until Close is called.
func (m *MemoryStore) cleanup() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}
