// Package timer provides the millisecond tick source shared by the decoder's
// control loop and the interval gates derived from it.
package timer

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock is a monotonic millisecond counter. One goroutine advances it; the
// control loop reads it once per decision. The counter wraps after ~49 days,
// which Interval tolerates.
type Clock struct {
	ms atomic.Uint32
}

// Advance adds one millisecond.
func (c *Clock) Advance() {
	c.ms.Add(1)
}

// Millis returns the current count.
func (c *Clock) Millis() uint32 {
	return c.ms.Load()
}

// Run advances the clock once per tick until ctx is done.
func (c *Clock) Run(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			c.Advance()
		}
	}
}

// Interval gates an action to at most once per Period milliseconds.
type Interval struct {
	Period uint32
	last   uint32
}

// NewInterval returns a gate whose first opening is Period ms after start.
func NewInterval(period, start uint32) Interval {
	return Interval{Period: period, last: start}
}

// Due reports whether at least Period ms have passed since the gate last
// opened, and if so restarts the period at now.
func (i *Interval) Due(now uint32) bool {
	if now-i.last < i.Period {
		return false
	}
	i.last = now
	return true
}

// Countdown counts down calls to Tick. It is used for windows measured in
// main ticks, such as the post power-up settling window.
type Countdown struct {
	remaining uint32
}

// NewCountdown returns a countdown that expires after n ticks.
func NewCountdown(n uint32) Countdown {
	return Countdown{remaining: n}
}

// Tick consumes one tick.
func (c *Countdown) Tick() {
	if c.remaining > 0 {
		c.remaining--
	}
}

// Running reports whether ticks remain.
func (c *Countdown) Running() bool {
	return c.remaining > 0
}
