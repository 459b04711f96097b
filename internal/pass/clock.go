package pass

import (
	"sync/atomic"
	"time"
)

// Clock issues change tags: microsecond timestamps that strictly increase
// across the whole process, even when the wall clock steps backwards.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewClock returns a clock reading time from now (time.Now when nil).
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a tag greater than every tag issued or observed before.
func (c *Clock) Next() int64 {
	for {
		last := c.last.Load()
		next := c.now().UnixMicro()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Current returns the latest tag issued or observed.
func (c *Clock) Current() int64 {
	return c.last.Load()
}

// Observe advances the clock to at least tag. Used when loading
// persisted records.
func (c *Clock) Observe(tag int64) {
	for {
		last := c.last.Load()
		if tag <= last || c.last.CompareAndSwap(last, tag) {
			return
		}
	}
}
