package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contractEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, clk clock.Clock) Store

// incrementFn bumps the attempt counter and keeps the entry alive for a minute.
func incrementFn(now time.Time) UpdateFunc {
	return func(current models.LimitState, exists bool) (models.LimitState, error) {
		if !exists {
			current = models.LimitState{WindowStart: now}
		}
		current.Attempts++
		current.ExpiresAt = current.WindowStart.Add(time.Minute)
		return current, nil
	}
}

// runStoreContract exercises the behaviour every Store backend must share.
// nativeExpiry marks backends whose Sweep is a no-op.
func runStoreContract(t *testing.T, newStore storeFactory, nativeExpiry bool) {
	t.Run("missing key", func(t *testing.T) {
		s := newStore(t, clock.NewVirtualClock(contractEpoch))
		_, found, err := s.Get(context.Background(), "contract:missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("update creates and get reads back", func(t *testing.T) {
		clk := clock.NewVirtualClock(contractEpoch)
		s := newStore(t, clk)
		ctx := context.Background()

		blocked := contractEpoch.Add(30 * time.Second)
		written, err := s.Update(ctx, "contract:roundtrip", func(current models.LimitState, exists bool) (models.LimitState, error) {
			assert.False(t, exists)
			assert.Zero(t, current.Attempts)
			return models.LimitState{
				Attempts:     4,
				WindowStart:  contractEpoch,
				BlockedUntil: &blocked,
				ExpiresAt:    contractEpoch.Add(time.Minute),
			}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 4, written.Attempts)

		got, found, err := s.Get(ctx, "contract:roundtrip")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 4, got.Attempts)
		assert.True(t, got.WindowStart.Equal(contractEpoch))
		require.NotNil(t, got.BlockedUntil)
		assert.True(t, got.BlockedUntil.Equal(blocked))
		assert.True(t, got.ExpiresAt.Equal(contractEpoch.Add(time.Minute)))

		// Clearing the block persists a nil BlockedUntil.
		_, err = s.Update(ctx, "contract:roundtrip", func(current models.LimitState, exists bool) (models.LimitState, error) {
			assert.True(t, exists)
			current.BlockedUntil = nil
			return current, nil
		})
		require.NoError(t, err)
		got, _, err = s.Get(ctx, "contract:roundtrip")
		require.NoError(t, err)
		assert.Nil(t, got.BlockedUntil)
	})

	t.Run("update error leaves state unchanged", func(t *testing.T) {
		s := newStore(t, clock.NewVirtualClock(contractEpoch))
		ctx := context.Background()
		key := "contract:abort"

		_, err := s.Update(ctx, key, incrementFn(contractEpoch))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.Update(ctx, key, func(models.LimitState, bool) (models.LimitState, error) {
			return models.LimitState{}, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrUnavailable)

		got, found, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t, clock.NewVirtualClock(contractEpoch))
		ctx := context.Background()

		_, err := s.Update(ctx, "contract:delete", incrementFn(contractEpoch))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "contract:delete"))

		_, found, err := s.Get(ctx, "contract:delete")
		require.NoError(t, err)
		assert.False(t, found)

		assert.NoError(t, s.Delete(ctx, "contract:never-existed"))
	})

	t.Run("empty key", func(t *testing.T) {
		s := newStore(t, clock.NewVirtualClock(contractEpoch))
		ctx := context.Background()

		_, err := s.Update(ctx, "", incrementFn(contractEpoch))
		assert.ErrorIs(t, err, ErrEmptyKey)
		_, _, err = s.Get(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyKey)
		assert.ErrorIs(t, s.Delete(ctx, ""), ErrEmptyKey)
	})

	t.Run("keys are isolated", func(t *testing.T) {
		s := newStore(t, clock.NewVirtualClock(contractEpoch))
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := s.Update(ctx, "contract:iso-a", incrementFn(contractEpoch))
			require.NoError(t, err)
		}
		_, err := s.Update(ctx, "contract:iso-b", incrementFn(contractEpoch))
		require.NoError(t, err)

		a, _, err := s.Get(ctx, "contract:iso-a")
		require.NoError(t, err)
		b, _, err := s.Get(ctx, "contract:iso-b")
		require.NoError(t, err)
		assert.Equal(t, 3, a.Attempts)
		assert.Equal(t, 1, b.Attempts)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		s := newStore(t, clock.NewVirtualClock(contractEpoch))
		ctx := context.Background()
		const workers = 32

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Update(ctx, "contract:concurrent", incrementFn(contractEpoch)); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, found, err := s.Get(ctx, "contract:concurrent")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, workers, got.Attempts)
	})

	t.Run("sweep evicts expired entries", func(t *testing.T) {
		if nativeExpiry {
			t.Skip("backend expires keys natively")
		}
		clk := clock.NewVirtualClock(contractEpoch)
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.Update(ctx, "contract:sweep-old", incrementFn(contractEpoch))
		require.NoError(t, err)
		clk.Advance(45 * time.Second)
		_, err = s.Update(ctx, "contract:sweep-new", incrementFn(clk.Now()))
		require.NoError(t, err)

		clk.Advance(15 * time.Second)
		removed, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, found, err := s.Get(ctx, "contract:sweep-old")
		require.NoError(t, err)
		assert.False(t, found)
		_, found, err = s.Get(ctx, "contract:sweep-new")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t, clock.NewVirtualClock(contractEpoch))
		assert.NoError(t, s.Ping(context.Background()))
	})
}
