package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultWindow = time.Second

// RequestCounter counts incoming calls and reports the rate over the last
// completed sampling window.
type RequestCounter struct {
	count  atomic.Uint64
	window time.Duration
	now    func() time.Time

	mu         sync.Mutex
	lastCount  uint64
	lastSample time.Time
	rate       float64
}

func NewRequestCounter() *RequestCounter {
	return newRequestCounter(defaultWindow, time.Now)
}

func newRequestCounter(window time.Duration, now func() time.Time) *RequestCounter {
	return &RequestCounter{
		window:     window,
		now:        now,
		lastSample: now(),
	}
}

func (c *RequestCounter) Increment() {
	c.count.Add(1)
}

func (c *RequestCounter) Total() uint64 {
	return c.count.Load()
}

// PerSecond recomputes the rate once the sampling window has elapsed and
// otherwise returns the previous rate.
func (c *RequestCounter) PerSecond() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	elapsed := now.Sub(c.lastSample)
	if elapsed < c.window {
		return c.rate
	}
	current := c.count.Load()
	c.rate = float64(current-c.lastCount) / elapsed.Seconds()
	c.lastCount = current
	c.lastSample = now
	return c.rate
}
