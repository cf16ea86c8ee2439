package relay

import (
	"sync"
	"time"

	"github.com/anchorsync/anchorsync/internal/core/anchor/codec"
)

type cacheEntry struct {
	compact   codec.Compact
	updatedAt time.Time
	expiresAt time.Time
}

// anchorCache is the relay's short-TTL view of recently synced anchors. It
// exists to answer fetch_anchors and poll_updates; it is not persistence.
type anchorCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newAnchorCache(ttl time.Duration) *anchorCache {
	return &anchorCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *anchorCache) put(compact codec.Compact) {
	now := time.Now()
	c.mu.Lock()
	c.entries[compact.I] = cacheEntry{
		compact:   compact,
		updatedAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.mu.Unlock()
}

func (c *anchorCache) get(id string) (codec.Compact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok || time.Now().After(entry.expiresAt) {
		return codec.Compact{}, false
	}
	return entry.compact, true
}

func (c *anchorCache) remove(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *anchorCache) listByRegion(region string) []codec.Compact {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []codec.Compact
	for _, entry := range c.entries {
		if entry.compact.G == region && now.Before(entry.expiresAt) {
			out = append(out, entry.compact)
		}
	}
	return out
}

func (c *anchorCache) newerThan(region string, since time.Time) []codec.Compact {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []codec.Compact
	for _, entry := range c.entries {
		if entry.compact.G == region && entry.updatedAt.After(since) && now.Before(entry.expiresAt) {
			out = append(out, entry.compact)
		}
	}
	return out
}

// sweep drops expired entries. Called periodically by the server janitor.
func (c *anchorCache) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}
