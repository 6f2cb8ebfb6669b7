package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "i-vis/internal/errors"
)

// Cache 缓存标准化结果，键由实体类型与原始值组成。
type Cache interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	Set(ctx context.Context, key string, value Result, ttl time.Duration) error
}

type cacheEntry struct {
	value   Result
	expires time.Time
}

// MemoryCache 为进程内缓存，适用于单机运行。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewMemoryCache 创建进程内缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry), now: time.Now}
}

// Get 实现 Cache。
func (c *MemoryCache) Get(_ context.Context, key string) (Result, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false, nil
	}
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return Result{}, false, nil
	}
	return entry.value, true, nil
}

// Set 实现 Cache，ttl 为零表示不过期。
func (c *MemoryCache) Set(_ context.Context, key string, value Result, ttl time.Duration) error {
	entry := cacheEntry{value: value}
	if ttl > 0 {
		entry.expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

// RedisCacheConfig 描述 Redis 缓存连接。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisCache 使用 Redis 字符串保存 JSON 编码的结果，多个进程可共享。
type RedisCache struct {
	client redis.Cmdable
	closer func() error
	prefix string
}

// NewRedisCache 连接 Redis 并返回缓存实例。
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	c := NewRedisCacheFromClient(client, cfg.Prefix)
	c.closer = client.Close
	return c, nil
}

// NewRedisCacheFromClient 复用已有客户端。
func NewRedisCacheFromClient(client redis.Cmdable, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "ivis:normalize:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get 实现 Cache。
func (c *RedisCache) Get(ctx context.Context, key string) (Result, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取标准化缓存失败")
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false, nil
	}
	return res, true, nil
}

// Set 实现 Cache。
func (c *RedisCache) Set(ctx context.Context, key string, value Result, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, payload, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入标准化缓存失败")
	}
	return nil
}

// Close 关闭自行创建的连接。
func (c *RedisCache) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}

// CachedNormalizer 在底层标准化器之前查询缓存，只缓存成功结果。
type CachedNormalizer struct {
	next  Normalizer
	cache Cache
	ttl   time.Duration
}

// WithCache 为标准化器增加缓存，cache 为 nil 时原样返回。
func WithCache(next Normalizer, cache Cache, ttl time.Duration) Normalizer {
	if cache == nil {
		return next
	}
	return &CachedNormalizer{next: next, cache: cache, ttl: ttl}
}

// Kind 实现 Normalizer。
func (c *CachedNormalizer) Kind() Kind { return c.next.Kind() }

// Normalize 实现 Normalizer，缓存故障不影响查询结果。
func (c *CachedNormalizer) Normalize(ctx context.Context, raw string) (Result, error) {
	key := fmt.Sprintf("%s:%s", c.next.Kind(), raw)
	if res, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return res, nil
	}
	res, err := c.next.Normalize(ctx, raw)
	if err != nil {
		return Result{}, err
	}
	_ = c.cache.Set(ctx, key, res, c.ttl)
	return res, nil
}
