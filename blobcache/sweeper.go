package blobcache

import (
	"context"
	"time"
)

// Start runs Sweep every sweep interval until Stop or ctx is done.
// Calling Start more than once, or after Stop, has no effect.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("starting blob cache sweeper", "interval", c.sweepInterval, "expiry", c.expiry)
	go c.run(ctx)
}

// Stop halts the sweeper and waits for it to exit.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.running || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
