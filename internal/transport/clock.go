package transport

import (
	"sync/atomic"
	"time"
)

// Clock is the time source used by the scheduler and activity tracking.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock (with its monotonic component).
var SystemClock Clock = systemClock{}

// ActivityClock holds the instant of the last byte seen on the bus, inbound or
// outbound. It is written by the receive path and the transmit path and read by
// the idle check, so the value is kept as an atomic offset from a fixed base.
type ActivityClock struct {
	clock Clock
	base  time.Time
	last  atomic.Int64 // nanoseconds since base
}

// NewActivityClock starts with "now" as the last activity, so the first
// transmission still waits for a full silence window.
func NewActivityClock(c Clock) *ActivityClock {
	if c == nil {
		c = SystemClock
	}
	return &ActivityClock{clock: c, base: c.Now()}
}

// Touch marks the bus active now.
func (a *ActivityClock) Touch() { a.TouchAt(a.clock.Now()) }

// TouchAt marks the bus active at t. Older instants never move the clock backwards.
func (a *ActivityClock) TouchAt(t time.Time) {
	off := int64(t.Sub(a.base))
	for {
		cur := a.last.Load()
		if off <= cur || a.last.CompareAndSwap(cur, off) {
			return
		}
	}
}

// Last returns the instant of the most recent activity.
func (a *ActivityClock) Last() time.Time { return a.base.Add(time.Duration(a.last.Load())) }

// Silence returns how long the bus has been quiet.
func (a *ActivityClock) Silence() time.Duration { return a.clock.Now().Sub(a.Last()) }
