// Package typing keeps a channel's typing indicator alive for the duration
// of an agent run. Chat platforms expire typing state after a few seconds,
// so the controller re-fires the platform callback on a keepalive interval
// and hard-stops after a TTL to avoid stuck indicators.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration is the TTL after which the indicator stops on its own.
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-fired while active.
	KeepaliveInterval time.Duration
	// StartFn triggers the platform's typing indicator once.
	StartFn func() error
}

// Controller drives one typing indicator. Start launches the keepalive loop,
// Stop halts it; both are safe to call more than once and from any goroutine.
type Controller struct {
	opts Options

	mu      sync.Mutex
	done    chan struct{}
	stopped bool
}

func New(opts Options) *Controller {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 5 * time.Second
	}
	return &Controller{opts: opts}
}

// Start fires the indicator immediately and keeps it alive until Stop or the
// TTL. Calling Start on a running or stopped controller is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.stopped || c.done != nil {
		c.mu.Unlock()
		return
	}
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(done)
}

func (c *Controller) loop(done chan struct{}) {
	fire := func() {
		if err := c.opts.StartFn(); err != nil {
			slog.Debug("typing indicator refresh failed", "error", err)
		}
	}
	fire()

	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	ttl := time.NewTimer(c.opts.MaxDuration)
	defer ttl.Stop()

	for {
		select {
		case <-done:
			return
		case <-ttl.C:
			c.Stop()
			return
		case <-ticker.C:
			fire()
		}
	}
}

// Stop halts the keepalive loop. The platform clears the indicator itself
// once refreshes cease.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.done != nil {
		close(c.done)
	}
}
