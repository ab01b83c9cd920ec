// Package scheduler implements the task group: a pinned-slab store of
// coroutines addressed by a compact internal index, driven by the
// waker-page notification scheme in package waker.
//
// A "coroutine" here is a Future: a plain poll function that a closure
// drives forward one step at a time, suspending by returning done=false
// after stashing whatever state it needs in its own captured variables.
// There is no goroutine behind a Future, so nothing here ever actually
// blocks the OS thread; the group's poll loop *is* the cooperative
// scheduler.
package scheduler

import "github.com/yanet-platform/lightos/waker"

// Future is one step of a cooperatively scheduled coroutine. Poll
// returns (result, true) once the coroutine has completed, or
// (nil, false) after arranging for w to be woken when it can make
// progress again.
type Future interface {
	Poll(w waker.Waker) (result any, done bool)
}

// FutureFunc adapts a plain function to Future, the common case for a
// coroutine implemented as a closure carrying its own state across
// polls.
type FutureFunc func(w waker.Waker) (result any, done bool)

// Poll implements Future.
func (f FutureFunc) Poll(w waker.Waker) (any, bool) { return f(w) }

// task is the slab-resident record for one coroutine.
type task struct {
	name string
	fut  Future

	done   bool
	result any

	// slot within its page; page is the owning pages[i>>6] but we
	// keep a direct pointer to avoid recomputing it on every poll.
	page *waker.Page
	slot int
}
