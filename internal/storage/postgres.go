package storage

import (
	"context"
	"errors"
	"fmt"

	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS limiter_state (
	key           TEXT PRIMARY KEY,
	attempts      INTEGER NOT NULL DEFAULT 0,
	window_start  TIMESTAMPTZ,
	blocked_until TIMESTAMPTZ,
	expires_at    TIMESTAMPTZ NOT NULL DEFAULT 'infinity'
);
CREATE INDEX IF NOT EXISTS idx_limiter_state_expires_at ON limiter_state (expires_at);
`

// PostgresStore persists limiter state in PostgreSQL. Each Update locks the
// key's row for the duration of its transaction, so updates to one key are
// serialized while different keys proceed in parallel.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// NewPostgresStore creates a new PostgreSQL store and ensures its schema.
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool, clock: config.clock()}, nil
}

// Update inserts a placeholder row when the key is new, then takes the row
// lock with SELECT ... FOR UPDATE. A placeholder has a NULL window_start and
// is reported to fn as a missing key.
func (ps *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) (models.LimitState, error) {
	if key == "" {
		return models.LimitState{}, ErrEmptyKey
	}

	var (
		next  models.LimitState
		fnErr error
	)
	err := pgx.BeginFunc(ctx, ps.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO limiter_state (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key); err != nil {
			return err
		}

		current, exists, err := scanPostgresState(tx.QueryRow(ctx,
			`SELECT attempts, window_start, blocked_until, expires_at FROM limiter_state WHERE key = $1 FOR UPDATE`, key))
		if err != nil {
			return err
		}

		next, fnErr = fn(current, exists)
		if fnErr != nil {
			return fnErr
		}

		_, err = tx.Exec(ctx,
			`UPDATE limiter_state SET attempts = $2, window_start = $3, blocked_until = $4, expires_at = $5 WHERE key = $1`,
			key, next.Attempts, toTimestamptz(next.WindowStart), toNullableTimestamptz(next.BlockedUntil), toTimestamptz(next.ExpiresAt))
		return err
	})
	if fnErr != nil {
		return models.LimitState{}, fnErr
	}
	if err != nil {
		return models.LimitState{}, unavailable("postgres update", err)
	}
	return next, nil
}

func (ps *PostgresStore) Get(ctx context.Context, key string) (models.LimitState, bool, error) {
	if key == "" {
		return models.LimitState{}, false, ErrEmptyKey
	}

	state, found, err := scanPostgresState(ps.pool.QueryRow(ctx,
		`SELECT attempts, window_start, blocked_until, expires_at FROM limiter_state WHERE key = $1`, key))
	if err != nil {
		return models.LimitState{}, false, unavailable("postgres get", err)
	}
	return state, found, nil
}

func (ps *PostgresStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if _, err := ps.pool.Exec(ctx, `DELETE FROM limiter_state WHERE key = $1`, key); err != nil {
		return unavailable("postgres delete", err)
	}
	return nil
}

func (ps *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := ps.pool.Exec(ctx,
		`DELETE FROM limiter_state WHERE expires_at <= $1`, toTimestamptz(ps.clock.Now()))
	if err != nil {
		return 0, unavailable("postgres sweep", err)
	}
	return int(tag.RowsAffected()), nil
}

func (ps *PostgresStore) Ping(ctx context.Context) error {
	if err := ps.pool.Ping(ctx); err != nil {
		return unavailable("postgres ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}

func scanPostgresState(row pgx.Row) (models.LimitState, bool, error) {
	var (
		state        models.LimitState
		windowStart  pgtype.Timestamptz
		blockedUntil pgtype.Timestamptz
		expiresAt    pgtype.Timestamptz
	)
	err := row.Scan(&state.Attempts, &windowStart, &blockedUntil, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LimitState{}, false, nil
	}
	if err != nil {
		return models.LimitState{}, false, err
	}
	if !windowStart.Valid {
		return models.LimitState{}, false, nil
	}

	state.WindowStart = fromTimestamptz(windowStart)
	state.BlockedUntil = fromNullableTimestamptz(blockedUntil)
	state.ExpiresAt = fromTimestamptz(expiresAt)
	return state, true, nil
}
