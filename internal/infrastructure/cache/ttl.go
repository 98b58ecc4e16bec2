package cache

import (
	"sync"
	"time"
)

// TTL is a small per-process cache for assembled explanations. Entries
// expire after a fixed duration and are evicted lazily when read.
type TTL struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	value     any
	expiresAt time.Time
}

func NewTTL(ttl time.Duration) *TTL {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TTL{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (c *TTL) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *TTL) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
}
