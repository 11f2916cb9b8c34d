package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS limiter_state (
	key           TEXT PRIMARY KEY,
	attempts      INTEGER NOT NULL,
	window_start  INTEGER NOT NULL,
	blocked_until INTEGER,
	expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_limiter_state_expires_at ON limiter_state (expires_at);
`

// SQLiteStore persists limiter state in a SQLite database. SQLite allows a
// single writer, so the store holds exactly one connection and every update
// runs in its own transaction on it.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteStore opens (and if needed creates) the database at the
// configured path.
func NewSQLiteStore(config Config) (*SQLiteStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, clock: config.clock()}, nil
}

func (s *SQLiteStore) Update(ctx context.Context, key string, fn UpdateFunc) (models.LimitState, error) {
	if key == "" {
		return models.LimitState{}, ErrEmptyKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.LimitState{}, unavailable("sqlite begin", err)
	}
	defer tx.Rollback()

	current, exists, err := s.scanState(tx.QueryRowContext(ctx,
		`SELECT attempts, window_start, blocked_until, expires_at FROM limiter_state WHERE key = ?`, key))
	if err != nil {
		return models.LimitState{}, unavailable("sqlite select", err)
	}

	next, err := fn(current, exists)
	if err != nil {
		return models.LimitState{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO limiter_state (key, attempts, window_start, blocked_until, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			attempts = excluded.attempts,
			window_start = excluded.window_start,
			blocked_until = excluded.blocked_until,
			expires_at = excluded.expires_at`,
		key, next.Attempts, timeToNanos(next.WindowStart), nullableNanos(next.BlockedUntil), timeToNanos(next.ExpiresAt))
	if err != nil {
		return models.LimitState{}, unavailable("sqlite upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return models.LimitState{}, unavailable("sqlite commit", err)
	}
	return next, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (models.LimitState, bool, error) {
	if key == "" {
		return models.LimitState{}, false, ErrEmptyKey
	}

	state, found, err := s.scanState(s.db.QueryRowContext(ctx,
		`SELECT attempts, window_start, blocked_until, expires_at FROM limiter_state WHERE key = ?`, key))
	if err != nil {
		return models.LimitState{}, false, unavailable("sqlite get", err)
	}
	return state, found, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM limiter_state WHERE key = ?`, key); err != nil {
		return unavailable("sqlite delete", err)
	}
	return nil
}

func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM limiter_state WHERE expires_at <= ?`, timeToNanos(s.clock.Now()))
	if err != nil {
		return 0, unavailable("sqlite sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("sqlite sweep", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("sqlite ping", err)
	}
	return nil
}

// Close closes the storage connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) scanState(row *sql.Row) (models.LimitState, bool, error) {
	var (
		state        models.LimitState
		windowStart  int64
		blockedUntil sql.NullInt64
		expiresAt    int64
	)
	err := row.Scan(&state.Attempts, &windowStart, &blockedUntil, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LimitState{}, false, nil
	}
	if err != nil {
		return models.LimitState{}, false, err
	}

	state.WindowStart = nanosToTime(windowStart)
	state.BlockedUntil = nanosPtr(blockedUntil)
	state.ExpiresAt = nanosToTime(expiresAt)
	return state, true, nil
}
