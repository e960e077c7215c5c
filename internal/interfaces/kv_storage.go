package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key is not found in the key/value store
var ErrKeyNotFound = errors.New("key not found")

// KeyValueStorage defines operations for generic key/value storage backing
// the quota ledger and rate limiter. Implementations must be safe for
// concurrent use.
type KeyValueStorage interface {
	// Get retrieves a value by key, returns ErrKeyNotFound if absent
	Get(ctx context.Context, key string) (string, error)

	// Set inserts or updates a key with a TTL (0 means no expiry)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes a key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// IncrBy atomically increments a numeric key, creating it at zero, and
	// refreshes the TTL
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// ListByPrefix returns all keys starting with the given prefix
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)

	// Available reports whether the backing store is reachable. Callers use
	// this to decide between primary and fail-open fallback behaviour.
	Available(ctx context.Context) bool
}
