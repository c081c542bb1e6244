package executor

import (
	"sync"
	"time"
)

// Cooldown remembers orders that recently failed to fill so a sweep does not
// hammer them every tick. It is safe for concurrent use.
type Cooldown struct {
	until map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
}

// NewCooldown creates a Cooldown that parks an order for ttl.
func NewCooldown(ttl time.Duration) *Cooldown {
	return &Cooldown{
		until: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Park blocks orderID until the ttl elapses.
func (c *Cooldown) Park(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[orderID] = c.now().Add(c.ttl)
}

// Parked reports whether orderID is still cooling down.
func (c *Cooldown) Parked(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[orderID]
	return ok && c.now().Before(until)
}

// Forget drops orderID, typically once it reached a terminal state.
func (c *Cooldown) Forget(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.until, orderID)
}

// Cleanup removes expired entries.
func (c *Cooldown) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, until := range c.until {
		if !now.Before(until) {
			delete(c.until, id)
		}
	}
}

// Len returns the number of parked orders.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}
