package runtime

import (
	"time"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/waker"
)

// SelectWithTimeout returns a Future that resolves to fut's result if
// fut completes within d, or an ETIMEDOUT error otherwise. Both fut and
// the timer are polled under the same waker, so whichever fires first
// wakes the combined future on the next cycle.
func SelectWithTimeout(clock *Clock, fut scheduler.Future, d time.Duration) scheduler.Future {
	var deadline int64
	armed := false

	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		if !armed {
			deadline = clock.Now() + int64(d)
			armed = true
		}

		if result, done := fut.Poll(w); done {
			return result, true
		}

		if clock.Now() >= deadline {
			return errTimedOut, true
		}

		clock.Arm(deadline, w.Clone())
		return nil, false
	})
}

// errTimedOut is shared across every timed-out select so the common
// case allocates nothing beyond the closure state.
var errTimedOut = errno.Wrap(errno.ETIMEDOUT, "select_with_timeout: deadline exceeded")
