package limiter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaasio/transparegate/internal/store"
)

// cacheTTL bounds how long a cached ApiKey can outlive a mutation the cache
// wasn't told about (revocation via a path that bypasses InvalidateApiKey,
// a direct DB edit). Short by design: Redis here is accelerant, never
// authoritative — every miss falls back to Store.
const cacheTTL = 30 * time.Second

const cacheKeyPrefix = "gw:apikey:"

// Cache is a read-through Redis cache in front of Store's hot-path
// lookup, GetApiKeyBySecret, mirroring the teacher's pkg/alert.Deduplicator:
// Redis hit short-circuits, Redis miss or error falls back to Store, and a
// DB hit warms the cache for next time.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewCache creates a Cache over the given Redis client.
func NewCache(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

func cacheKey(secret string) string {
	return cacheKeyPrefix + secret
}

// GetApiKey returns the cached ApiKey for secret, if present and unexpired.
// A cache miss or Redis error is reported as (zero value, false) — never
// an error — since every caller falls back to Store.
func (c *Cache) GetApiKey(ctx context.Context, secret string) (store.ApiKey, bool) {
	if c == nil {
		return store.ApiKey{}, false
	}

	val, err := c.rdb.Get(ctx, cacheKey(secret)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("api key cache lookup failed, falling back to store", "error", err)
		}
		return store.ApiKey{}, false
	}

	var key store.ApiKey
	if err := json.Unmarshal(val, &key); err != nil {
		c.logger.Warn("corrupt api key cache entry, falling back to store", "error", err)
		return store.ApiKey{}, false
	}
	return key, true
}

// SetApiKey warms the cache after a Store hit.
func (c *Cache) SetApiKey(ctx context.Context, key store.ApiKey) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(key)
	if err != nil {
		c.logger.Warn("encoding api key for cache", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(key.Secret), raw, cacheTTL).Err(); err != nil {
		c.logger.Warn("caching api key failed", "error", err)
	}
}

// InvalidateApiKey evicts secret's cache entry. Called on every mutation
// (rate-limit change, revocation) so a reconfigured key never proxies on
// stale cached limits.
func (c *Cache) InvalidateApiKey(ctx context.Context, secret string) {
	if c == nil {
		return
	}
	if err := c.rdb.Del(ctx, cacheKey(secret)).Err(); err != nil {
		c.logger.Warn("invalidating api key cache failed", "error", err)
	}
}
