package server

import (
	"sync"
	"sync/atomic"

	"github.com/thommahoney/fast-rack/internal/dashboard"
)

// Capture pushes run records into the dashboard store from a background
// goroutine so the store lock never sits on the response path.
//
// Handlers can outlive a timed-out server shutdown, so Record stays safe
// after Close and simply drops.
type Capture struct {
	store   *dashboard.LogStore
	ch      chan dashboard.RequestLog
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewCapture starts the worker. buffer is the channel size (256 if <= 0).
func NewCapture(store *dashboard.LogStore, buffer int) *Capture {
	if buffer <= 0 {
		buffer = 256
	}
	c := &Capture{
		store: store,
		ch:    make(chan dashboard.RequestLog, buffer),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for log := range c.ch {
			c.store.Add(log)
		}
	}()
	return c
}

// Record queues log. When the buffer is full, or the capture is closed, the
// record is dropped rather than blocking the response.
func (c *Capture) Record(log dashboard.RequestLog) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.ch <- log:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded on a full buffer.
func (c *Capture) Dropped() int64 {
	return c.dropped.Load()
}

// Close drains queued records and stops the worker. It is idempotent.
func (c *Capture) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	c.mu.Unlock()
	<-c.done
}
