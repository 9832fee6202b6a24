package webhook

import "sync"

// dedupCache is a bounded in-process cache of already-processed event keys.
// It is a fast path only; call_attempts.processed_events is authoritative.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]struct{}
	order   []string
	max     int
}

func newDedupCache(max int) *dedupCache {
	if max <= 0 {
		max = 4096
	}
	return &dedupCache{
		entries: make(map[string]struct{}, max),
		max:     max,
	}
}

func (c *dedupCache) seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *dedupCache) mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = struct{}{}
	c.order = append(c.order, key)
}
