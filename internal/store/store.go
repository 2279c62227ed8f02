// Package store wraps the cluster-shared key/value store. Cross-node state
// (node registry, presence, typing mirrors, blacklist) lives here; local
// maps are caches kept consistent against it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared-store contract. Every operation carries a context;
// callers wrap them in the "store" circuit breaker with a 2 s deadline.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Incr atomically adjusts an integer key by delta and returns the new
	// value. Used for presence session counting.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// Keys returns keys matching a glob pattern. Used by the cluster health
	// scan and reconciliation janitors, never on a request path.
	Keys(ctx context.Context, pattern string) ([]string, error)

	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Ping reports reachability, used during startup and health checks.
	Ping(ctx context.Context) error

	Close() error
}
