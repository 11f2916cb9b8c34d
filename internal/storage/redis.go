package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize   = 20
	defaultRedisCASRetries = 16
	defaultRedisKeyPrefix  = "gatekeeper:rl:"

	redisFieldAttempts     = "attempts"
	redisFieldWindowStart  = "window_start"
	redisFieldBlockedUntil = "blocked_until"
	redisFieldExpiresAt    = "expires_at"
)

// RedisStore keeps each key's state in a Redis hash. Updates use optimistic
// transactions: WATCH the key, read it, compute the next state and write it in
// MULTI/EXEC, retrying when another client modified the key in between. Redis
// key expiry replaces sweeping.
type RedisStore struct {
	client     *redis.Client
	clock      clock.Clock
	prefix     string
	casRetries int

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config Config) (*RedisStore, error) {
	rc := config.Redis
	if rc.Addr == "" {
		return nil, fmt.Errorf("redis address is required for redis storage")
	}
	poolSize := rc.PoolSize
	if poolSize <= 0 {
		poolSize = defaultRedisPoolSize
	}
	retries := rc.MaxRetries
	if retries <= 0 {
		retries = defaultRedisCASRetries
	}
	prefix := rc.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client:     client,
		clock:      config.clock(),
		prefix:     prefix,
		casRetries: retries,
	}, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (models.LimitState, error) {
	if key == "" {
		return models.LimitState{}, ErrEmptyKey
	}
	rk := s.redisKey(key)

	var (
		next  models.LimitState
		fnErr error
	)
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return err
		}
		current, exists, err := decodeRedisState(fields)
		if err != nil {
			return err
		}

		next, fnErr = fn(current, exists)
		if fnErr != nil {
			return fnErr
		}

		ttl := next.ExpiresAt.Sub(s.clock.Now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ttl <= 0 {
				pipe.Del(ctx, rk)
				return nil
			}
			pipe.HSet(ctx, rk, encodeRedisState(next))
			pipe.PExpire(ctx, rk, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.casRetries; i++ {
		err := s.client.Watch(ctx, txf, rk)
		if fnErr != nil {
			return models.LimitState{}, fnErr
		}
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return models.LimitState{}, unavailable("redis update", err)
	}
	return models.LimitState{}, fmt.Errorf("redis update %q after %d attempts: %w", key, s.casRetries, ErrConflict)
}

func (s *RedisStore) Get(ctx context.Context, key string) (models.LimitState, bool, error) {
	if key == "" {
		return models.LimitState{}, false, ErrEmptyKey
	}
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return models.LimitState{}, false, unavailable("redis get", err)
	}
	state, found, err := decodeRedisState(fields)
	if err != nil {
		return models.LimitState{}, false, unavailable("redis get", err)
	}
	return state, found, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return unavailable("redis delete", err)
	}
	return nil
}

// Sweep is a no-op: every key carries a PEXPIRE matching its ExpiresAt.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

// Close releases Redis resources. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func encodeRedisState(state models.LimitState) map[string]any {
	fields := map[string]any{
		redisFieldAttempts:     state.Attempts,
		redisFieldWindowStart:  timeToNanos(state.WindowStart),
		redisFieldBlockedUntil: 0,
		redisFieldExpiresAt:    timeToNanos(state.ExpiresAt),
	}
	if state.BlockedUntil != nil {
		fields[redisFieldBlockedUntil] = timeToNanos(*state.BlockedUntil)
	}
	return fields
}

func decodeRedisState(fields map[string]string) (models.LimitState, bool, error) {
	if len(fields) == 0 {
		return models.LimitState{}, false, nil
	}

	parse := func(name string) (int64, error) {
		raw, ok := fields[name]
		if !ok {
			return 0, nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s field %q: %w", name, raw, err)
		}
		return v, nil
	}

	attempts, err := parse(redisFieldAttempts)
	if err != nil {
		return models.LimitState{}, false, err
	}
	windowStart, err := parse(redisFieldWindowStart)
	if err != nil {
		return models.LimitState{}, false, err
	}
	blockedUntil, err := parse(redisFieldBlockedUntil)
	if err != nil {
		return models.LimitState{}, false, err
	}
	expiresAt, err := parse(redisFieldExpiresAt)
	if err != nil {
		return models.LimitState{}, false, err
	}

	state := models.LimitState{
		Attempts:    int(attempts),
		WindowStart: nanosToTime(windowStart),
		ExpiresAt:   nanosToTime(expiresAt),
	}
	if blockedUntil != 0 {
		t := nanosToTime(blockedUntil)
		state.BlockedUntil = &t
	}
	return state, true, nil
}
