// Package kv defines the shared key-value store every warden component
// coordinates through. Each Store operation is atomic on its own; sequences
// of operations are not, which is why composite primitives (compare-and-delete,
// increment-and-arm, guarded set) are part of the interface instead of being
// assembled by callers.
package kv

import (
	"context"
	"time"
)

const (
	// NoExpiry is returned by TTL for keys that exist without an expiration.
	NoExpiry time.Duration = -1
	// Missing is returned by TTL for keys that do not exist.
	Missing time.Duration = -2
)

// Store abstracts the remote store shared by all service instances.
type Store interface {
	// Get returns the raw value for key. The boolean reports whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A non-positive ttl stores without expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key does not exist and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// DeleteIfEqual removes key only if its current value equals expected.
	DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error)
	// Incr atomically increments the integer at key, creating it at 0 first.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a ttl on an existing key. It reports false if the key is missing.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// IncrAndExpire increments key and, when the result is 1, arms ttl in the
	// same atomic step.
	IncrAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key, NoExpiry or Missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Scan returns all keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// SetIfEqual stores value under key only if guardKey currently holds guard.
	// A missing guardKey is treated as holding the empty value.
	SetIfEqual(ctx context.Context, guardKey string, guard []byte, key string, value []byte, ttl time.Duration) (bool, error)
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}
