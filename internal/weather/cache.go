package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldroute/internal/metrics"
)

const (
	ForecastCacheKeyPrefix = "weather:forecast:"
	// ForecastCacheTTL is a little longer than the refresh period.
	ForecastCacheTTL = 20 * time.Minute
)

// Cache stores forecasts by rounded coordinate and date. Get returns
// ok=false on a miss.
type Cache interface {
	Get(ctx context.Context, lat, lng float64, date string) (Forecast, bool, error)
	Set(ctx context.Context, f Forecast) error
}

func cacheKey(lat, lng float64, date string) string {
	return fmt.Sprintf("%s%.2f:%.2f:%s", ForecastCacheKeyPrefix, lat, lng, date)
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, lat, lng float64, date string) (Forecast, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(lat, lng, date)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Forecast{}, false, nil
		}
		return Forecast{}, false, fmt.Errorf("redis get: %w", err)
	}
	var f Forecast
	if err := json.Unmarshal(data, &f); err != nil {
		return Forecast{}, false, fmt.Errorf("unmarshal cached forecast: %w", err)
	}
	return f, true, nil
}

func (c *RedisCache) Set(ctx context.Context, f Forecast) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal forecast: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(f.Lat, f.Lng, f.Date), data, ForecastCacheTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

type memEntry struct {
	f       Forecast
	expires time.Time
}

// MemoryCache is the in-process fallback when Redis is not configured.
type MemoryCache struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: map[string]memEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, lat, lng float64, date string) (Forecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey(lat, lng, date)
	e, ok := c.m[k]
	if !ok {
		return Forecast{}, false, nil
	}
	if c.now().After(e.expires) {
		delete(c.m, k)
		return Forecast{}, false, nil
	}
	return e.f, true, nil
}

func (c *MemoryCache) Set(_ context.Context, f Forecast) error {
	c.mu.Lock()
	c.m[cacheKey(f.Lat, f.Lng, f.Date)] = memEntry{f: f, expires: c.now().Add(ForecastCacheTTL)}
	c.mu.Unlock()
	return nil
}

// CachedProvider serves forecasts from the cache when fresh.
type CachedProvider struct {
	inner Provider
	cache Cache
}

func NewCachedProvider(inner Provider, cache Cache) *CachedProvider {
	return &CachedProvider{inner: inner, cache: cache}
}

func (p *CachedProvider) Forecast(ctx context.Context, lat, lng float64, date string) (Forecast, error) {
	if f, ok, err := p.cache.Get(ctx, lat, lng, date); err == nil && ok {
		metrics.ProviderCalls.WithLabelValues("weather", "forecast", "cache_hit").Inc()
		return f, nil
	}
	f, err := p.inner.Forecast(ctx, lat, lng, date)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("weather", "forecast", "error").Inc()
		return Forecast{}, err
	}
	metrics.ProviderCalls.WithLabelValues("weather", "forecast", "ok").Inc()
	_ = p.cache.Set(ctx, f)
	return f, nil
}
