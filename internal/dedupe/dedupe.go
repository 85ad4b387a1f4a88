// Package dedupe provides a bounded, TTL-expiring set of recently seen
// message ids. It lives only in memory: the checkpoint store is the
// crash-durable layer, so rebuilding this cache empty after a restart is safe.
package dedupe

import (
	"sync"
	"time"

	"github.com/drewfead/herald/internal/clock"
)

// Cache tracks recently seen ids with TTL and capacity bounds.
type Cache struct {
	ttl     time.Duration
	maxSize int
	clock   clock.Clock

	mu      sync.Mutex
	entries map[string]time.Time
	order   []orderEntry // insertion order, oldest first
}

type orderEntry struct {
	id string
	at time.Time
}

// New creates a cache evicting entries older than ttl, holding at most
// maxSize entries (oldest evicted first).
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		entries: make(map[string]time.Time),
	}
}

// Seen records the id and reports whether it was already present and
// unexpired. The first call for an id returns false; repeats within the TTL
// return true.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.expire(now)

	if at, ok := c.entries[id]; ok && now.Sub(at) <= c.ttl {
		return true
	}

	c.entries[id] = now
	c.order = append(c.order, orderEntry{id: id, at: now})

	for len(c.entries) > c.maxSize {
		c.evictOldest()
	}
	return false
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(c.clock.Now())
	return len(c.entries)
}

// expire drops entries past the TTL. Caller holds the lock.
func (c *Cache) expire(now time.Time) {
	for len(c.order) > 0 {
		head := c.order[0]
		at, ok := c.entries[head.id]
		if ok && !at.Equal(head.at) {
			// Superseded by a later re-insert; drop the stale order slot only.
			c.order = c.order[1:]
			continue
		}
		if ok && now.Sub(at) <= c.ttl {
			break
		}
		c.order = c.order[1:]
		if ok {
			delete(c.entries, head.id)
		}
	}
}

// evictOldest removes the oldest live entry. Caller holds the lock.
func (c *Cache) evictOldest() {
	for len(c.order) > 0 {
		head := c.order[0]
		c.order = c.order[1:]
		if at, ok := c.entries[head.id]; ok && at.Equal(head.at) {
			delete(c.entries, head.id)
			return
		}
	}
}
