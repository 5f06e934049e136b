package mpesa

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"abepay.com/pkg/metrics"
)

// TokenCache stores access tokens by consumer key.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, token string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryTokenCache is a per-process TokenCache.
type MemoryTokenCache struct {
	mu  sync.Mutex
	m   map[string]memoryEntry
	now func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{m: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || !c.now().Before(e.expires) {
		delete(c.m, key)
		return "", false, nil
	}
	return e.token, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = memoryEntry{token: token, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryTokenCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

// RedisTokenCache shares tokens between replicas.
type RedisTokenCache struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisTokenCache(rdb redis.Cmdable, prefix string) *RedisTokenCache {
	if prefix == "" {
		prefix = "mpesa:token:"
	}
	return &RedisTokenCache{rdb: rdb, prefix: prefix}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (tok string, ok bool, err error) {
	defer func(start time.Time) { metrics.ObserveRedis("get", start, err) }(time.Now())

	tok, err = c.rdb.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tok, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key, token string, ttl time.Duration) (err error) {
	defer func(start time.Time) { metrics.ObserveRedis("set", start, err) }(time.Now())
	return c.rdb.Set(ctx, c.prefix+key, token, ttl).Err()
}

func (c *RedisTokenCache) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { metrics.ObserveRedis("del", start, err) }(time.Now())
	return c.rdb.Del(ctx, c.prefix+key).Err()
}
