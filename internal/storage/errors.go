package storage

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks infrastructure failures: the backend could not be
// reached or did not answer. Callers decide whether to fail open or closed.
var ErrUnavailable = errors.New("limiter store unavailable")

// ErrConflict is returned when an optimistic backend exhausted its retries
// because the key kept changing underneath it.
var ErrConflict = errors.New("limiter store update conflict")

// ErrEmptyKey is returned for operations on an empty key.
var ErrEmptyKey = errors.New("key is required")

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
