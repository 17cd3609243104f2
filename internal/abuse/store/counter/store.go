// Package counter defines the ephemeral counter store consumed by the abuse
// guard. Implementations must provide atomic increment-and-read and
// set-if-absent-with-TTL primitives; the guard never does read-modify-write
// without one.
package counter

import (
	"context"
	"time"
)

// Store is the TTL-capable key-value store holding guard counters and flags.
type Store interface {
	// IncrementWindow atomically increments the counter at key and, when this
	// is the first increment of a new window, attaches the window TTL in the
	// same step. Returns the post-increment count.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetIfAbsent stores value at key with a TTL unless the key already
	// exists. Returns true when the value was set.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Expire resets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL reports the remaining lifetime of a key; zero when the key has no
	// expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
