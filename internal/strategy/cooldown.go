package strategy

import (
	"sync"
	"time"

	"crypto_arb/internal/domain"
)

// CooldownTable suppresses routes that were just executed. Stamped by the
// execution coordinator at settlement, read by the scanners.
type CooldownTable struct {
	mu      sync.RWMutex
	window  time.Duration
	stamped map[domain.RouteKey]time.Time
}

// NewCooldownTable creates a table with a fixed window.
func NewCooldownTable(window time.Duration) *CooldownTable {
	return &CooldownTable{window: window, stamped: make(map[domain.RouteKey]time.Time)}
}

// Stamp records that route was acted on at t.
func (c *CooldownTable) Stamp(route domain.RouteKey, t time.Time) {
	c.mu.Lock()
	c.stamped[route] = t
	c.mu.Unlock()
}

// Active reports whether route is still cooling down at now. The route is
// eligible again exactly window after the stamp.
func (c *CooldownTable) Active(route domain.RouteKey, now time.Time) bool {
	c.mu.RLock()
	t, ok := c.stamped[route]
	c.mu.RUnlock()
	return ok && now.Before(t.Add(c.window))
}

// Prune drops expired stamps.
func (c *CooldownTable) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for route, t := range c.stamped {
		if !now.Before(t.Add(c.window)) {
			delete(c.stamped, route)
		}
	}
}

// Len returns the number of stamped routes (for monitoring).
func (c *CooldownTable) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stamped)
}
