package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrNoProxy means no live entry qualifies for a selection.
	ErrNoProxy = errors.New("no proxy available")

	// ErrUnauthorized indicates missing, malformed or expired credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrHostNotAllowed is returned by host policies for rejected targets.
	ErrHostNotAllowed = errors.New("host not allowed")

	// ErrMissingConfig marks a required setting that was not provided.
	ErrMissingConfig = errors.New("missing required configuration")
)

// PoolError wraps an underlying error with pool context.
type PoolError struct {
	Pool string
	Op   string
	Err  error
}

func (e *PoolError) Error() string {
	if e.Pool != "" {
		return fmt.Sprintf("pool %s: %s: %v", e.Pool, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}
