// Package eta estimates driving time between two points.
package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 29 km/h, a typical urban average.
const DefaultSpeedMps = 8.0

// Estimator returns the expected travel time in seconds.
type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// StraightLine divides great-circle distance by a fixed speed.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = DefaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speed, nil
}

// Cache is a small TTL cache keyed by the coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// 5 decimals is about 1m, close enough to share a route.
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Cached consults the cache before Next, and falls back to Fallback when
// Next fails.
type Cached struct {
	Next     Estimator
	Fallback Estimator
	Cache    *Cache
}

func (c *Cached) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if v, ok := c.Cache.Get(from, to); ok {
		return v, nil
	}
	v, err := c.Next.EstimateSeconds(ctx, from, to)
	if err != nil {
		if c.Fallback == nil {
			return 0, err
		}
		// fallback results are not cached so the router is retried next time
		return c.Fallback.EstimateSeconds(ctx, from, to)
	}
	c.Cache.Set(from, to, v)
	return v, nil
}
