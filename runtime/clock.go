package runtime

import (
	"time"

	"github.com/yanet-platform/lightos/waker"
)

// TimerResolution bounds how often Clock.tick samples the real wall
// clock: at most once every TimerResolution poll iterations. Between
// samples the clock holds its last value, so timers fire in
// coarse-grained batches rather than triggering a syscall every
// iteration.
const TimerResolution = 16

type pendingWake struct {
	deadline int64
	w        waker.Waker
}

// Clock is the runtime's monotonic clock. In normal operation it tracks
// real time, resampled at most once every TimerResolution poll
// iterations. Tests that need deterministic timer behavior call Freeze
// and then drive time forward explicitly with Advance.
type Clock struct {
	now     int64
	frozen  bool
	pending []pendingWake
}

// NewClock starts a clock at the current wall-clock time.
func NewClock() *Clock {
	return &Clock{now: time.Now().UnixNano()}
}

// Now returns the clock's current reading, in nanoseconds since the
// Unix epoch.
func (c *Clock) Now() int64 {
	return c.now
}

// Freeze stops the clock from resampling the real wall clock on tick;
// from this point its value advances only via Advance. Deterministic
// tests call this once at setup.
func (c *Clock) Freeze() {
	c.frozen = true
}

// tick resamples the wall clock, throttled to TimerResolution poll
// iterations, and fires any timers whose deadline has passed. It is a
// no-op on a frozen clock.
func (c *Clock) tick(iteration uint64) {
	if c.frozen {
		return
	}
	if iteration%TimerResolution != 0 {
		return
	}
	c.now = time.Now().UnixNano()
	c.fire()
}

// Advance moves the clock forward by d and fires any timers whose
// deadline is now in the past. It is the deterministic-test substitute
// for waiting on the real wall clock.
func (c *Clock) Advance(d time.Duration) {
	c.now += int64(d)
	c.fire()
}

func (c *Clock) fire() {
	live := c.pending[:0]
	for _, pw := range c.pending {
		if pw.deadline <= c.now {
			pw.w.Wake()
			continue
		}
		live = append(live, pw)
	}
	c.pending = live
}

// Arm registers w to be woken once the clock reaches deadline. If the
// deadline has already passed, it wakes w immediately instead of
// queuing it. Timer-driven coroutines (Sleep, the TCP retransmit and
// linger timers) use this instead of busy-polling the clock.
func (c *Clock) Arm(deadline int64, w waker.Waker) {
	if deadline <= c.now {
		w.Wake()
		return
	}
	c.pending = append(c.pending, pendingWake{deadline: deadline, w: w})
}
