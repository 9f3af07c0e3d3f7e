// Package session holds the key-value session store used to record live
// access tokens, refresh tokens and the per-user refresh token index.
//
// Every backend treats a missing key as absent rather than as an error, and
// wraps infrastructure failures with ErrUnavailable so callers can tell
// "this token does not exist" apart from "the store could not be asked".
package session

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a retryable infrastructure failure.
var ErrUnavailable = errors.New("session store unavailable")

// ErrInvalidTTL is returned when a write carries a non-positive TTL.
var ErrInvalidTTL = errors.New("session store ttl must be positive")

// Store is a TTL-capable key-value store with set-valued list keys.
// Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	GetList(ctx context.Context, key string) ([]string, error)
	AppendToList(ctx context.Context, key, value string, ttl time.Duration) error
	RemoveFromList(ctx context.Context, key, value string) error
	// DeleteIfEquals removes key only if it currently holds expected. Exactly
	// one of several concurrent callers observes true.
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)
	Ping(ctx context.Context) error
}

// IsUnavailable reports whether err is a store infrastructure failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
