package content

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/karma"
)

// CacheKey buckets collective karma to the nearest 1000 and pairs it with the trend.
func CacheKey(collective float64, trend karma.Trend) string {
	bucket := int64(math.Round(collective/1000) * 1000)
	return fmt.Sprintf("karma_%d_%s", bucket, trend)
}

type cachedProposal struct {
	proposal  events.Proposal
	expiresAt time.Time
}

// Cache holds generated proposals for a bounded time.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cachedProposal
}

// NewCache creates a proposal cache.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{ttl: ttl, now: now, entries: make(map[string]cachedProposal)}
}

// Get returns a live entry for key.
func (c *Cache) Get(key string) (events.Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return events.Proposal{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return events.Proposal{}, false
	}
	return e.proposal, true
}

// Put stores p under key for the cache TTL.
func (c *Cache) Put(key string, p events.Proposal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedProposal{proposal: p, expiresAt: c.now().Add(c.ttl)}
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, live or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
