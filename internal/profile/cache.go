package profile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a tracked profile is reused before the service
// is queried again.
const DefaultCacheTTL = 10 * time.Minute

// Cache stores tracked profiles by key.
type Cache interface {
	Get(ctx context.Context, key string) (*Profile, bool)
	Set(ctx context.Context, key string, p *Profile)
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// ttlCache is an in-memory cache with per-entry expiration. It is safe for
// concurrent use, and a nil cache is a no-op.
type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]cacheEntry[V]
	ttl     time.Duration
	now     func() time.Time
}

func newTTLCache[K comparable, V any](ttl time.Duration) *ttlCache[K, V] {
	return &ttlCache[K, V]{
		entries: make(map[K]cacheEntry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *ttlCache[K, V]) get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[K, V]) set(key K, value V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MemoryCache keeps profiles in process memory.
type MemoryCache struct {
	entries *ttlCache[string, *Profile]
}

// NewMemoryCache returns a process-local cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{entries: newTTLCache[string, *Profile](ttl)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (*Profile, bool) {
	return m.entries.get(key)
}

func (m *MemoryCache) Set(_ context.Context, key string, p *Profile) {
	m.entries.set(key, p)
}

// RedisCache shares profiles between gate processes.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, keyPrefix: "spamgate:profile:", ttl: ttl, logger: logger}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*Profile, bool) {
	data, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("profile cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		r.logger.Warn("profile cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return &p, true
}

func (r *RedisCache) Set(ctx context.Context, key string, p *Profile) {
	data, err := json.Marshal(p)
	if err != nil {
		r.logger.Warn("encoding profile for cache", "key", key, "error", err)
		return
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, data, r.ttl).Err(); err != nil {
		r.logger.Warn("profile cache write failed", "key", key, "error", err)
	}
}
