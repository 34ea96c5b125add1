// ABOUTME: Idle conversation eviction for the routing controller
// ABOUTME: Drops long-idle conversations from memory; they are recovered from storage on the next message

package router

import (
	"context"
	"time"
)

// minEvictInterval bounds how often the evictor scans the cache.
const minEvictInterval = time.Second

// EvictIdle drops conversations idle for longer than idleFor. Each key is
// evicted under its admission lock so it never races a message in flight.
// Returns the number evicted.
func (c *Controller) EvictIdle(idleFor time.Duration) int {
	evicted := 0
	for _, key := range c.manager.IdleSince(time.Now().Add(-idleFor)) {
		c.locks.With(key, func() {
			if c.manager.Evict(key) {
				evicted++
			}
		})
	}
	if evicted > 0 {
		c.logger.Info("evicted idle conversations", "count", evicted, "idle_for", idleFor)
	}
	return evicted
}

// RunEvictor calls EvictIdle periodically until ctx is done.
func (c *Controller) RunEvictor(ctx context.Context, idleFor time.Duration) {
	interval := max(idleFor/4, minEvictInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.EvictIdle(idleFor)
		case <-ctx.Done():
			return
		}
	}
}
