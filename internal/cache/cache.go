// Package cache provides a small in-memory TTL cache used in front of the
// external capability clients.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
// Expired entries are invisible to Get and are swept by a background loop.
// The zero value is not usable; construct with New.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	ttl     time.Duration
	now     func() time.Time

	group     singleflight.Group
	done      chan struct{}
	closeOnce sync.Once
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache with the given TTL. A non-positive ttl disables
// caching: Set is a no-op and Get always misses. Call Close to stop the
// background eviction goroutine.
func New[V any](ttl time.Duration) *TTL[V] {
	return newTTL[V](ttl, time.Now)
}

func newTTL[V any](ttl time.Duration, now func() time.Time) *TTL[V] {
	c := &TTL[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		now:     now,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.evictLoop(evictInterval(ttl))
	}
	return c
}

func evictInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Get returns the cached value and true if a live entry exists.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the configured TTL.
func (c *TTL[V]) Set(key string, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete drops key.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetOrLoad returns the cached value for key, or calls load once for all
// concurrent callers of the same key and caches a successful result.
// Errors are returned to every waiter and never cached.
func (c *TTL[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Close stops the background eviction goroutine. Safe to call more than once.
func (c *TTL[V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *TTL[V]) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *TTL[V]) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if !now.Before(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
