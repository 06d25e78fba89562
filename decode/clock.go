package decode

import (
	"sync/atomic"
	"time"
)

// PresentationClock issues strictly increasing microsecond timestamps.
// Concurrent callers never observe a duplicate or a step backwards,
// even across wall-clock adjustments: when the wall clock has not
// advanced past the last issued value, the clock returns last+1.
type PresentationClock struct {
	last int64 // atomic
}

// Now returns the next timestamp in microseconds.
func (c *PresentationClock) Now() int64 {
	for {
		prev := atomic.LoadInt64(&c.last)
		next := time.Now().UnixMicro()
		if next <= prev {
			next = prev + 1
		}
		if atomic.CompareAndSwapInt64(&c.last, prev, next) {
			return next
		}
	}
}

// Last returns the most recently issued timestamp, or 0 before the
// first call to Now.
func (c *PresentationClock) Last() int64 {
	return atomic.LoadInt64(&c.last)
}
