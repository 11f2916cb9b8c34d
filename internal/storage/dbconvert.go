package storage

import (
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// timeToNanos converts a time to unix nanoseconds for integer columns. The
// zero time maps to 0 so it survives a round trip.
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// nanosToTime is the inverse of timeToNanos.
func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// nullableNanos converts an optional time to a nullable integer column value.
func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: timeToNanos(*t), Valid: true}
}

// nanosPtr converts a nullable integer column back to an optional time.
func nanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := nanosToTime(n.Int64)
	return &t
}

// toTimestamptz converts a time to a pgtype.Timestamptz.
func toTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

// toNullableTimestamptz converts an optional time to a pgtype.Timestamptz.
func toNullableTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return toTimestamptz(*t)
}

// fromTimestamptz converts a pgtype.Timestamptz to a time, zero when NULL.
func fromTimestamptz(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time.UTC()
}

// fromNullableTimestamptz converts a pgtype.Timestamptz to an optional time.
func fromNullableTimestamptz(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
