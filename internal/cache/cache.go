// Package cache provides the shared counter and byte cache used by the
// admission layer and the search aggregator. Redis is the production
// backend; the memory backend serves development and tests.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the minimal surface the service needs: byte values with TTL,
// plus atomic counters for windows and permits.
type Cache interface {
	// Get returns the value at key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value with a TTL; zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr atomically increments the counter at key, resetting the TTL on
	// every increment. Returns the value after the increment. Callers
	// needing a fixed window anchor encode it into the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr atomically decrements the counter at key, never below zero.
	Decr(ctx context.Context, key string) (int64, error)
	// Expire pushes out an existing key's TTL, or returns ErrMiss.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Del removes key.
	Del(ctx context.Context, key string) error
	// Close releases underlying resources.
	Close() error
}
