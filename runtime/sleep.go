package runtime

import (
	"time"

	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/waker"
)

// Sleep returns a Future that completes once clock has advanced by at
// least d from the moment it is first polled.
func Sleep(clock *Clock, d time.Duration) scheduler.Future {
	var deadline int64
	armed := false

	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		if !armed {
			deadline = clock.Now() + int64(d)
			armed = true
		}
		if clock.Now() >= deadline {
			return nil, true
		}
		clock.Arm(deadline, w.Clone())
		return nil, false
	})
}

// Yield returns a Future that completes on the second time it is
// polled, re-arming its own waker the first time. It models the
// runtime's yield() primitive: give the rest of the group a turn, then
// resume.
func Yield() scheduler.Future {
	yielded := false
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		if !yielded {
			yielded = true
			w.WakeByRef()
			return nil, false
		}
		return nil, true
	})
}
