package feed

import (
	"sync"
	"time"
)

// DedupeCache recognizes re-delivered feed events by their stable ball
// identity, giving the pipeline at-most-once delivery. Entries older
// than the rolling window are evicted so memory stays bounded over a
// long match day.
type DedupeCache struct {
	mu        sync.Mutex
	window    time.Duration
	seen      map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

// NewDedupeCache creates a cache with the given rolling window.
func NewDedupeCache(window time.Duration) *DedupeCache {
	return &DedupeCache{
		window:    window,
		seen:      make(map[string]time.Time),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Seen reports whether key was already accepted within the window, and
// marks it as accepted if not. The first caller for a key gets false;
// every re-delivery inside the window gets true.
func (c *DedupeCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.window {
		return true
	}
	c.seen[key] = now
	return false
}

// Forget releases a key so the next delivery is treated as new. Used
// when an accepted event failed before committing any effect, so that
// provider redelivery replays it instead of being absorbed.
func (c *DedupeCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

// Len returns the number of live entries.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// sweep drops expired entries. Runs at most every window/4 to keep the
// hot path cheap.
func (c *DedupeCache) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < c.window/4 {
		return
	}
	c.lastSweep = now
	for k, at := range c.seen {
		if now.Sub(at) >= c.window {
			delete(c.seen, k)
		}
	}
}
