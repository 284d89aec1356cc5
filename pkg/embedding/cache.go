package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"

	"askdocs-go/pkg/log"
)

// DefaultCacheTTL 是缓存条目的默认有效期。
const DefaultCacheTTL = 24 * time.Hour

// Cache 是内容寻址的向量缓存，并发读写安全。
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// CacheKey 以模型名和原文计算稳定的缓存键。
func CacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryCache 是进程内缓存，过期条目在下次查找时惰性删除。
type MemoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache 创建进程内缓存，ttl<=0 时使用默认 24h。
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	// 不启动后台清理协程
	return &MemoryCache{items: gocache.New(ttl, 0)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		c.items.Delete(key)
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (c *MemoryCache) Set(_ context.Context, key string, vec []float32) {
	c.items.SetDefault(key, vec)
}

// Len 返回缓存中的条目数（含尚未被惰性删除的过期条目）。
func (c *MemoryCache) Len() int {
	return c.items.ItemCount()
}

// RedisCache 将向量以 little-endian float32 编码写入 Redis，多进程共享。
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache 创建 Redis 缓存。
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "embedding:cache:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warnf("[EmbeddingCache] 读取 Redis 缓存失败: %v", err)
		}
		return nil, false
	}
	return decodeVector(raw)
}

func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	if err := c.rdb.Set(ctx, c.prefix+key, encodeVector(vec), c.ttl).Err(); err != nil {
		log.Warnf("[EmbeddingCache] 写入 Redis 缓存失败: %v", err)
	}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, bool) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, true
}

// NopCache 不缓存任何内容。
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]float32, bool) { return nil, false }
func (NopCache) Set(context.Context, string, []float32)        {}
