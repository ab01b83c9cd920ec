package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/waker"
)

func immediate(v any) scheduler.Future {
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		return v, true
	})
}

func TestInsertForegroundWaitReturnsResult(t *testing.T) {
	r := New()
	id := r.InsertForeground("t", immediate(42))
	result, err := r.Wait(id)
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestWaitOnUnknownTaskIsEINVAL(t *testing.T) {
	r := New()
	_, err := r.Wait(TaskID(999))
	require.True(t, errno.Is(err, errno.EINVAL))
}

func TestWaitOnBackgroundTaskIsRejected(t *testing.T) {
	r := New()
	id := r.InsertBackground("bg", scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		return nil, false
	}))
	_, err := r.Wait(id)
	require.True(t, errno.Is(err, errno.ENOTSUP))
}

func TestWaitAnyReturnsFirstReady(t *testing.T) {
	clock := NewClock()
	clock.Freeze()
	r := New(WithClock(clock))

	// slow never fires within this test, since the frozen clock is
	// never advanced; fast resolves on the very first poll.
	slow := r.InsertForeground("slow", Sleep(clock, 100*time.Millisecond))
	fast := r.InsertForeground("fast", immediate("fast-result"))

	idx, result, err := r.WaitAny([]TaskID{slow, fast})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Equal(t, "fast-result", result)
}

func TestYieldCompletesWithinOnePollSchedulerCall(t *testing.T) {
	// PollScheduler drives the foreground group until it goes idle, so
	// a coroutine that re-enqueues itself once via yield() resolves
	// inside a single PollScheduler call, not across two of them.
	r := New()
	id := r.InsertForeground("y", Yield())
	r.PollScheduler()
	require.True(t, r.Completed(id))
}

func TestSleepWakesAfterClockAdvance(t *testing.T) {
	clock := NewClock()
	clock.Freeze()
	r := New(WithClock(clock))

	id := r.InsertForeground("sleep", Sleep(clock, 100*time.Millisecond))
	r.PollScheduler()
	require.False(t, r.Completed(id))

	clock.Advance(50 * time.Millisecond)
	r.PollScheduler()
	require.False(t, r.Completed(id))

	clock.Advance(50 * time.Millisecond)
	r.PollScheduler()
	require.True(t, r.Completed(id))
}

func TestConditionVariableSignalWakesOneWaiter(t *testing.T) {
	cv := NewConditionVariable()
	r := New()

	idA := r.InsertForeground("a", cv.Wait())
	idB := r.InsertForeground("b", cv.Wait())
	r.PollScheduler()
	require.False(t, r.Completed(idA))
	require.False(t, r.Completed(idB))

	cv.Signal()
	r.PollScheduler()
	require.True(t, r.Completed(idA) != r.Completed(idB), "exactly one waiter should wake")
}

func TestConditionVariableBroadcastWakesAll(t *testing.T) {
	cv := NewConditionVariable()
	r := New()

	idA := r.InsertForeground("a", cv.Wait())
	idB := r.InsertForeground("b", cv.Wait())
	r.PollScheduler()

	cv.Broadcast()
	r.PollScheduler()
	require.True(t, r.Completed(idA))
	require.True(t, r.Completed(idB))
}

func TestSelectWithTimeoutReturnsETIMEDOUT(t *testing.T) {
	clock := NewClock()
	clock.Freeze()
	r := New(WithClock(clock))

	cv := NewConditionVariable()
	id := r.InsertForeground("sel", SelectWithTimeout(clock, cv.Wait(), 10*time.Millisecond))
	r.PollScheduler()
	require.False(t, r.Completed(id))

	clock.Advance(20 * time.Millisecond)
	r.PollScheduler()
	require.True(t, r.Completed(id))

	result, err := r.Wait(id)
	require.NoError(t, err)
	require.True(t, errno.Is(result.(error), errno.ETIMEDOUT))
}

func TestSelectWithTimeoutReturnsUnderlyingResultWhenFaster(t *testing.T) {
	clock := NewClock()
	clock.Freeze()
	r := New(WithClock(clock))

	id := r.InsertForeground("sel", SelectWithTimeout(clock, immediate("ok"), time.Hour))
	result, err := r.Wait(id)
	require.NoError(t, err)
	require.Equal(t, "ok", result)
}

func TestCancelRemovesTaskWithoutCompleting(t *testing.T) {
	r := New()
	id := r.InsertForeground("t", Yield())
	r.Cancel(id)
	_, err := r.Wait(id)
	require.True(t, errno.Is(err, errno.EINVAL))
}

func TestQueueTableRegisterLookupClose(t *testing.T) {
	qt := newQueueTable()
	qd := qt.Register("socket-state")

	entry, ok := qt.Lookup(qd)
	require.True(t, ok)
	require.Equal(t, "socket-state", entry)

	closed, ok := qt.Close(qd)
	require.True(t, ok)
	require.Equal(t, "socket-state", closed)

	_, ok = qt.Lookup(qd)
	require.False(t, ok)
}

func TestQueueTableDescriptorsAvoidReservedRange(t *testing.T) {
	qt := newQueueTable()
	first := qt.Register("a")
	second := qt.Register("b")

	// [0, qdBase) stays clear for POSIX fd compatibility in both the
	// direct-mapping and random-id builds.
	require.GreaterOrEqual(t, int(first), int(qdBase))
	require.GreaterOrEqual(t, int(second), int(qdBase))
	require.NotEqual(t, first, second)
}
