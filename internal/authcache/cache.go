// Package authcache caches resolved API key snapshots in redis so hot keys
// skip the multi-table auth lookup on every request. The cache is an
// optimization only: a miss, a redis outage, or a disabled cache all fall
// through to the database.
package authcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// negativeSentinel marks a key that recently failed authentication, so
// repeated bad keys do not hammer the database.
const negativeSentinel = "__invalid__"

const keyPrefix = "zen:auth:"

// Cache is a TTL snapshot cache keyed by hashed API key. A nil Cache is
// valid and disables caching.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New constructs a Cache. Returns nil when rdb is nil so callers can wire
// an optional cache without branching.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// hashKey derives the redis key. The raw API key never reaches redis.
func hashKey(rawKey, scope string) string {
	sum := sha256.Sum256([]byte(rawKey + "\x00" + scope))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached snapshot bytes for a key and scope. The second
// return reports a hit; negative reports a cached authentication failure.
func (c *Cache) Get(ctx context.Context, rawKey, scope string) (data []byte, hit bool, negative bool) {
	if c == nil {
		return nil, false, false
	}
	value, errGet := c.rdb.Get(ctx, hashKey(rawKey, scope)).Result()
	if errGet != nil {
		// redis.Nil is a plain miss; any other error degrades to one.
		return nil, false, false
	}
	if value == negativeSentinel {
		return nil, true, true
	}
	return []byte(value), true, false
}

// Set stores a snapshot for a key and scope.
func (c *Cache) Set(ctx context.Context, rawKey, scope string, data []byte) {
	if c == nil {
		return
	}
	// Best effort; a failed write only costs a future lookup.
	_ = c.rdb.Set(ctx, hashKey(rawKey, scope), data, c.ttl).Err()
}

// SetNegative records an authentication failure for a key and scope.
func (c *Cache) SetNegative(ctx context.Context, rawKey, scope string) {
	if c == nil {
		return
	}
	_ = c.rdb.Set(ctx, hashKey(rawKey, scope), negativeSentinel, c.ttl).Err()
}

// Invalidate removes a cached snapshot, used after key revocation.
func (c *Cache) Invalidate(ctx context.Context, rawKey, scope string) {
	if c == nil {
		return
	}
	_ = c.rdb.Del(ctx, hashKey(rawKey, scope)).Err()
}
