package travel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fieldops/internal/model"
)

// Cache keys are quantized to ~1.1km cells and 15-minute departure
// buckets; traffic shifts make finer resolution pointless within the TTL.
const (
	cellDegrees   = 0.01
	bucketMinutes = 15
)

// cell floors rather than truncates so the four cells around the 0°
// lines stay distinct.
func cell(deg float64) int {
	return int(math.Floor(deg / cellDegrees))
}

func cacheKey(origin, dest model.GeoPoint, departAt time.Time) string {
	ob := departAt.UTC().Truncate(bucketMinutes * time.Minute)
	return fmt.Sprintf("tt:%d:%d:%d:%d:%d",
		cell(origin.Lat), cell(origin.Lng),
		cell(dest.Lat), cell(dest.Lng),
		ob.Unix())
}

// Cache stores estimates with a TTL. Cached values feed batch scoring
// and route planning; emergency ETAs go through EstimateFresh, which
// only writes here.
type Cache interface {
	Get(ctx context.Context, key string) (Estimate, bool)
	Set(ctx context.Context, key string, est Estimate, ttl time.Duration)
}

type memEntry struct {
	est Estimate
	exp time.Time
}

// MemoryCache is the in-process cache used when Redis is not configured.
type MemoryCache struct {
	mu sync.Mutex
	m  map[string]memEntry
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{m: map[string]memEntry{}} }

func (c *MemoryCache) Get(_ context.Context, key string) (Estimate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || time.Now().After(e.exp) {
		delete(c.m, key)
		return Estimate{}, false
	}
	return e.est, true
}

func (c *MemoryCache) Set(_ context.Context, key string, est Estimate, ttl time.Duration) {
	c.mu.Lock()
	c.m[key] = memEntry{est: est, exp: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// RedisCache shares estimates across instances.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{rdb: redis.NewClient(opt)}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (Estimate, bool) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return Estimate{}, false
	}
	var est Estimate
	if err := json.Unmarshal(val, &est); err != nil {
		return Estimate{}, false
	}
	return est, true
}

func (c *RedisCache) Set(ctx context.Context, key string, est Estimate, ttl time.Duration) {
	data, _ := json.Marshal(est)
	_ = c.rdb.Set(ctx, key, data, ttl).Err()
}

// Cached decorates an Estimator with a TTL cache. Approximate results
// are cached too; they carry the flag so consumers keep discounting.
type Cached struct {
	Inner Estimator
	Cache Cache
	TTL   time.Duration
}

func NewCached(inner Estimator, cache Cache, ttl time.Duration) *Cached {
	return &Cached{Inner: inner, Cache: cache, TTL: ttl}
}

func (c *Cached) Estimate(ctx context.Context, origin, dest model.GeoPoint, departAt time.Time) (Estimate, error) {
	key := cacheKey(origin, dest, departAt)
	if est, ok := c.Cache.Get(ctx, key); ok {
		return est, nil
	}
	est, err := c.Inner.Estimate(ctx, origin, dest, departAt)
	if err != nil {
		return Estimate{}, err
	}
	c.Cache.Set(ctx, key, est, c.TTL)
	return est, nil
}

// EstimateFresh always asks the inner estimator and refreshes the
// cached entry with the result.
func (c *Cached) EstimateFresh(ctx context.Context, origin, dest model.GeoPoint, departAt time.Time) (Estimate, error) {
	est, err := c.Inner.Estimate(ctx, origin, dest, departAt)
	if err != nil {
		return Estimate{}, err
	}
	c.Cache.Set(ctx, cacheKey(origin, dest, departAt), est, c.TTL)
	return est, nil
}
