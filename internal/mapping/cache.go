package mapping

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
)

const (
	GeocodeCacheKeyPrefix = "geo:addr:"
	GeocodeCacheTTL       = 30 * 24 * time.Hour
)

// GeocodeCache stores resolved addresses. Get returns ok=false on a miss.
type GeocodeCache interface {
	Get(ctx context.Context, address string) (model.GeoPoint, bool, error)
	Set(ctx context.Context, address string, p model.GeoPoint) error
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}

func geocodeKey(address string) string {
	sum := sha1.Sum([]byte(normalizeAddress(address)))
	return GeocodeCacheKeyPrefix + hex.EncodeToString(sum[:])
}

type RedisGeocodeCache struct {
	client *redis.Client
}

func NewRedisGeocodeCache(client *redis.Client) *RedisGeocodeCache {
	return &RedisGeocodeCache{client: client}
}

func (c *RedisGeocodeCache) Get(ctx context.Context, address string) (model.GeoPoint, bool, error) {
	data, err := c.client.Get(ctx, geocodeKey(address)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.GeoPoint{}, false, nil
		}
		return model.GeoPoint{}, false, fmt.Errorf("redis get: %w", err)
	}
	var p model.GeoPoint
	if err := json.Unmarshal(data, &p); err != nil {
		return model.GeoPoint{}, false, fmt.Errorf("unmarshal cached point: %w", err)
	}
	return p, true, nil
}

func (c *RedisGeocodeCache) Set(ctx context.Context, address string, p model.GeoPoint) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}
	if err := c.client.Set(ctx, geocodeKey(address), data, GeocodeCacheTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// MemoryGeocodeCache is the in-process cache used when Redis is not configured.
type MemoryGeocodeCache struct {
	mu sync.RWMutex
	m  map[string]model.GeoPoint
}

func NewMemoryGeocodeCache() *MemoryGeocodeCache {
	return &MemoryGeocodeCache{m: map[string]model.GeoPoint{}}
}

func (c *MemoryGeocodeCache) Get(_ context.Context, address string) (model.GeoPoint, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.m[geocodeKey(address)]
	return p, ok, nil
}

func (c *MemoryGeocodeCache) Set(_ context.Context, address string, p model.GeoPoint) error {
	c.mu.Lock()
	c.m[geocodeKey(address)] = p
	c.mu.Unlock()
	return nil
}

// CachedGeocoder puts a cache in front of a provider's geocoder. Matrix
// calls pass straight through.
type CachedGeocoder struct {
	Provider
	cache GeocodeCache
}

func NewCachedGeocoder(p Provider, cache GeocodeCache) *CachedGeocoder {
	return &CachedGeocoder{Provider: p, cache: cache}
}

func (c *CachedGeocoder) Geocode(ctx context.Context, address string) (model.GeoPoint, error) {
	if p, ok, err := c.cache.Get(ctx, address); err == nil && ok {
		metrics.ProviderCalls.WithLabelValues("geocoder", "geocode", "cache_hit").Inc()
		return p, nil
	}
	p, err := c.Provider.Geocode(ctx, address)
	if err != nil {
		return model.GeoPoint{}, err
	}
	// a failed cache write only costs a future lookup
	_ = c.cache.Set(ctx, address, p)
	return p, nil
}
