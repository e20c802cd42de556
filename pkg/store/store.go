// Package store defines the key-value contract the coordination layer is
// built on.
//
// Every component (rate limiter, session manager, response cache) talks to
// a Store and nothing else. The store is the only shared mutable resource:
// handlers may run in many processes, so correctness comes from the store's
// own atomicity, never from in-process locks.
//
// Two implementations exist:
//
//   - redisstore: production backend over go-redis. Scripts run server-side.
//   - memstore: in-process backend for tests and single-instance use. Scripts
//     run as Go functions while the store holds its lock.
package store

import (
	"context"
	"time"
)

// Store is the cache-store contract consumed by the coordination layer.
//
// A zero TTL means "no expiry". Absent keys are reported with ErrNotFound;
// every other failure (network, timeout, backend) is an *OpError matching
// ErrUnavailable.
type Store interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the given keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Expire sets a new TTL on key. It reports false when the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime of key, ErrNotFound if absent, or a
	// negative duration when the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// ZAdd adds member to the sorted set at key with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// ZCount counts members with min <= score <= max.
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// ZCard returns the sorted set cardinality.
	ZCard(ctx context.Context, key string) (int64, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// HGetAll returns all fields of the hash at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Scan returns every key matching a glob pattern (*, ?).
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Run executes script atomically against keys.
	Run(ctx context.Context, script *Script, keys []string, args ...any) ([]int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
