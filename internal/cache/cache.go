// Package cache holds backend responses for a bounded time. A cache is an
// explicit object handed to its users; there is no package-level state.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values for at most TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value for ttl, capped at the cache's own TTL. A
	// non-positive ttl stores nothing.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	// TTL is the longest time an entry may live.
	TTL() time.Duration
}

// EffectiveTTL caps ttl at limit. Zero ttl means "no hint" and uses limit.
func EffectiveTTL(limit, ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > limit {
		return limit
	}
	return ttl
}
