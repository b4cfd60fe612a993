package bus

import (
	"container/list"
	"sync"
	"time"
)

// DedupeCache remembers recently seen message keys so webhook retries and
// client double-taps do not trigger duplicate agent runs. Entries expire
// after a TTL; when the cache hits its cap the oldest entry is evicted.
type DedupeCache struct {
	ttl time.Duration
	max int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest
	now     func() time.Time
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 5000
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL and records it as
// seen now otherwise.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpired(now)

	if el, ok := c.entries[key]; ok {
		if now.Sub(el.Value.(*dedupeEntry).seen) <= c.ttl {
			return true
		}
		c.order.Remove(el)
		delete(c.entries, key)
	}

	if len(c.entries) >= c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupeEntry).key)
	}
	c.entries[key] = c.order.PushBack(&dedupeEntry{key: key, seen: now})
	return false
}

// Len returns the live entry count, for diagnostics.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DedupeCache) purgeExpired(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*dedupeEntry)
		if now.Sub(e.seen) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}
