package price

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/providers"
)

// DefaultHotTTL is how long a current-price reading stays fresh.
const DefaultHotTTL = 5 * time.Minute

// HotCache holds current-price readings for the short TTL window. Memory is
// the default; Redis serves deployments where several processes share one
// budget.
type HotCache interface {
	Get(ctx context.Context, key string) (providers.PriceReading, bool)
	Set(ctx context.Context, key string, r providers.PriceReading)
}

type hotEntry struct {
	reading providers.PriceReading
	expires time.Time
}

// MemoryHotCache is the in-process TTL cache.
type MemoryHotCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]hotEntry
}

// NewMemoryHotCache builds the default cache. ttl <= 0 uses DefaultHotTTL.
func NewMemoryHotCache(ttl time.Duration) *MemoryHotCache {
	if ttl <= 0 {
		ttl = DefaultHotTTL
	}
	return &MemoryHotCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]hotEntry),
	}
}

func (c *MemoryHotCache) Get(_ context.Context, key string) (providers.PriceReading, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return providers.PriceReading{}, false
	}
	return entry.reading, true
}

func (c *MemoryHotCache) Set(_ context.Context, key string, r providers.PriceReading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map from accumulating dead tokens.
	if len(c.entries) > 4096 {
		now := c.now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = hotEntry{reading: r, expires: c.now().Add(c.ttl)}
}

// RedisHotCache shares the TTL window across processes.
type RedisHotCache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

func NewRedisHotCache(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisHotCache {
	if ttl <= 0 {
		ttl = DefaultHotTTL
	}
	return &RedisHotCache{rdb: rdb, ttl: ttl, log: log.With().Str("component", "hot_cache").Logger()}
}

func redisKey(key string) string { return "signalrun:price:current:" + key }

func (c *RedisHotCache) Get(ctx context.Context, key string) (providers.PriceReading, bool) {
	data, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Redis get failed")
		}
		return providers.PriceReading{}, false
	}
	var r providers.PriceReading
	if err := json.Unmarshal(data, &r); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Redis entry corrupt")
		return providers.PriceReading{}, false
	}
	return r, true
}

func (c *RedisHotCache) Set(ctx context.Context, key string, r providers.PriceReading) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(key), data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Redis set failed")
	}
}

var (
	_ HotCache = (*MemoryHotCache)(nil)
	_ HotCache = (*RedisHotCache)(nil)
)
