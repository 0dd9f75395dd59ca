package advisory

import (
	"context"
	"sync"
	"time"
)

// SharedCache mirrors decisions to other executors. cache.Namespace
// implements it.
type SharedCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// sharedEntry is the value written to the shared tier. ExpiresAt lets a
// peer inherit the remaining lifetime instead of restarting it.
type sharedEntry struct {
	Decision  Decision  `json:"decision"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// decisionCache is an in-memory TTL map with an optional shared tier.
type decisionCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	shared  SharedCache
}

func newDecisionCache(shared SharedCache) *decisionCache {
	return &decisionCache{entries: make(map[string]cacheEntry), shared: shared}
}

func (c *decisionCache) get(ctx context.Context, key string, now time.Time) (Decision, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && now.After(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		return e.decision.clone(), true
	}

	if c.shared == nil {
		return Decision{}, false
	}
	var se sharedEntry
	if err := c.shared.GetJSON(ctx, key, &se); err != nil || se.Decision.Action == "" {
		return Decision{}, false
	}
	if !now.Before(se.ExpiresAt) {
		return Decision{}, false
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{decision: se.Decision.clone(), expiresAt: se.ExpiresAt}
	c.mu.Unlock()
	return se.Decision, true
}

func (c *decisionCache) set(ctx context.Context, key string, d Decision, now time.Time) {
	ttl := d.TTL()
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	expiresAt := now.Add(ttl)
	c.entries[key] = cacheEntry{decision: d.clone(), expiresAt: expiresAt}
	c.mu.Unlock()

	if c.shared != nil {
		_ = c.shared.SetJSON(ctx, key, sharedEntry{Decision: d, ExpiresAt: expiresAt}, ttl)
	}
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
