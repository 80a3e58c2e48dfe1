// Package cache holds the shared cache/counter store used for token family
// state, blacklist markers, decision caching and usage counters, plus a
// process-local LRU for read-through lookups.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired
	ErrNotFound = errors.New("cache: key not found")
)

// Versioned is a value guarded by a monotonically increasing version.
// Version 0 means "absent" in CompareAndSwap.
type Versioned struct {
	Version int64
	Data    []byte
}

// Store is the shared cache/counter contract. Every operation touches a
// single key and is atomic with respect to that key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Increment adds one to the counter at key and returns the new value.
	// ttl is applied when the counter is created.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	GetVersioned(ctx context.Context, key string) (Versioned, error)

	// CompareAndSwap stores next if the current version equals expected
	// (0 meaning the key must not exist). It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, expected int64, next Versioned, ttl time.Duration) (bool, error)

	Ping(ctx context.Context) error
}
