// internal/cache/ttl.go
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/FairForge/aura/internal/events"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a keyed memoization layer with expiry and explicit invalidation
type TTL[V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]ttlEntry[V]
	now   func() time.Time

	// Statistics
	hits          int64
	misses        int64
	invalidations int64
}

// NewTTL creates a cache whose entries live for ttl
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TTL[V]{
		ttl:   ttl,
		items: make(map[string]ttlEntry[V]),
		now:   time.Now,
	}
}

// Get returns a live entry
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || !c.now().Before(e.expiresAt) {
		if ok {
			delete(c.items, key)
		}
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = ttlEntry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// GetOrLoad returns the cached value or stores the result of load.
// Load errors are returned and not cached.
func (c *TTL[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Invalidate drops one key
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		delete(c.items, key)
		c.invalidations++
	}
}

// InvalidateAll empties the cache
func (c *TTL[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations += int64(len(c.items))
	c.items = make(map[string]ttlEntry[V])
}

// Len returns the number of stored entries, expired or not
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit, miss and invalidation counts
func (c *TTL[V]) Stats() (hits, misses, invalidations int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.invalidations
}

// KeyFunc maps an event to the cache key it invalidates. Empty means all keys.
type KeyFunc func(events.Event) string

// InvalidateOn subscribes the cache to pattern on bus
func (c *TTL[V]) InvalidateOn(bus events.Bus, pattern string, key KeyFunc) error {
	if bus == nil {
		return errors.New("cache: bus is required")
	}
	return bus.Subscribe(pattern, func(ctx context.Context, e events.Event) error {
		k := ""
		if key != nil {
			k = key(e)
		}
		if k == "" {
			c.InvalidateAll()
			return nil
		}
		c.Invalidate(k)
		return nil
	})
}

// ByAura keys invalidations by the event's Aura id
func ByAura(e events.Event) string {
	return e.AuraID
}
