// Package cache provides the TTL key-value store used for market data
// caching and alert records. The Redis implementation is the production
// store; the in-memory implementation serves as a degraded fallback when
// Redis is unreachable.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when a key is absent or expired.
var ErrCacheMiss = errors.New("cache: key not found")

// Store is the capability surface consumed by the fetcher and alert store.
// Hash operations follow Redis semantics: HGetAll on an absent key returns
// an empty map, not an error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
