package runtime

import (
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/waker"
)

// ConditionVariable lets one or more coroutines suspend until another
// coroutine signals or broadcasts. It carries no associated mutex: the
// single-threaded cooperative scheduler makes one unnecessary, since a
// coroutine only ever yields at an explicit suspension point.
type ConditionVariable struct {
	waiters []waker.Waker
}

// NewConditionVariable constructs an empty condition variable.
func NewConditionVariable() *ConditionVariable {
	return &ConditionVariable{}
}

// Wait returns a Future that completes the next time Signal or
// Broadcast wakes it.
func (cv *ConditionVariable) Wait() scheduler.Future {
	registered := false

	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		if !registered {
			cv.waiters = append(cv.waiters, w.Clone())
			registered = true
			return nil, false
		}
		// Signal/Broadcast remove a waiter from the list before waking
		// it, so finding ourselves no longer in it means it already
		// fired and this poll can complete immediately.
		if cv.contains(w) {
			return nil, false
		}
		return nil, true
	})
}

func (cv *ConditionVariable) contains(w waker.Waker) bool {
	for _, waiting := range cv.waiters {
		if waiting.Same(w) {
			return true
		}
	}
	return false
}

// Signal wakes at most one waiting coroutine, if any are waiting.
func (cv *ConditionVariable) Signal() {
	if len(cv.waiters) == 0 {
		return
	}
	w := cv.waiters[0]
	cv.waiters = cv.waiters[1:]
	w.Wake()
}

// Broadcast wakes every waiting coroutine.
func (cv *ConditionVariable) Broadcast() {
	waiters := cv.waiters
	cv.waiters = nil
	for _, w := range waiters {
		w.Wake()
	}
}
