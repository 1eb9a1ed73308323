// README: Per-key cooldown that spaces refreshes of the same cache entry.
package retry

import (
	"sync"
	"time"

	"shuttle/internal/clock"
)

// Cooldown allows at most one attempt per key within its window.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	clock  clock.Clock
	last   map[string]time.Time
}

func NewCooldown(window time.Duration, c clock.Clock) *Cooldown {
	if c == nil {
		c = clock.Real()
	}
	return &Cooldown{window: window, clock: c, last: make(map[string]time.Time)}
}

// Allow reports whether an attempt for key may start now and, if so, records it.
func (c *Cooldown) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

func (c *Cooldown) Reset(key string) {
	c.mu.Lock()
	delete(c.last, key)
	c.mu.Unlock()
}
