// Package runtime is the top-level owner of the cooperative scheduler,
// the I/O queue table, the task id map, the clock, and the completion
// cache. It is never imported alongside the standard library's own
// runtime package under the same name; call sites needing both alias
// the stdlib import to goruntime.
package runtime

import (
	"go.uber.org/zap"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/scheduler"
)

// completion is a task's outcome, cached until the application asks
// for it via Wait or WaitAny.
type completion struct {
	result any
}

// Runtime owns two reserved scheduler groups — foreground for
// user-visible operation coroutines, background for the protocol
// engine and timers — plus the clock and I/O queue table shared across
// everything running on top of them.
type Runtime struct {
	log *zap.SugaredLogger

	foreground *scheduler.Group
	background *scheduler.Group

	clock *Clock
	Queues *queueTable

	iteration uint64

	nextTaskID  TaskID
	tasks       map[TaskID]taskRef
	fgSlotToID  map[int]TaskID
	bgSlotToID  map[int]TaskID
	completions map[TaskID]completion
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithLog attaches a logger. Without one, Runtime logs nowhere.
func WithLog(log *zap.SugaredLogger) Option {
	return func(r *Runtime) { r.log = log }
}

// WithClock installs a pre-constructed clock, e.g. one already Frozen
// for a deterministic test.
func WithClock(clock *Clock) Option {
	return func(r *Runtime) { r.clock = clock }
}

// New constructs a Runtime with empty foreground and background
// groups.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		foreground:  scheduler.NewGroup(),
		background:  scheduler.NewGroup(),
		clock:       NewClock(),
		Queues:      newQueueTable(),
		tasks:       make(map[TaskID]taskRef),
		fgSlotToID:  make(map[int]TaskID),
		bgSlotToID:  make(map[int]TaskID),
		completions: make(map[TaskID]completion),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}
	return r
}

// Clock returns the runtime's monotonic clock.
func (r *Runtime) Clock() *Clock {
	return r.clock
}

func (r *Runtime) newTaskID() TaskID {
	r.nextTaskID++
	return r.nextTaskID
}

// InsertForeground registers a user-visible operation coroutine and
// returns a token that Wait and WaitAny accept.
func (r *Runtime) InsertForeground(name string, fut scheduler.Future) TaskID {
	slot := r.foreground.Insert(name, fut)
	id := r.newTaskID()
	r.tasks[id] = taskRef{kind: kindForeground, slot: slot}
	r.fgSlotToID[slot] = id
	return id
}

// InsertBackground registers a protocol-engine or timer coroutine.
// Background coroutines are polled at most once per PollScheduler call
// and their tokens may never be passed to Wait or WaitAny — only
// Cancel.
func (r *Runtime) InsertBackground(name string, fut scheduler.Future) TaskID {
	slot := r.background.Insert(name, fut)
	id := r.newTaskID()
	r.tasks[id] = taskRef{kind: kindBackground, slot: slot}
	r.bgSlotToID[slot] = id
	return id
}

// Cancel removes a tracked coroutine, foreground or background,
// without waiting for it to complete.
func (r *Runtime) Cancel(id TaskID) {
	ref, ok := r.tasks[id]
	if !ok {
		return
	}
	delete(r.tasks, id)
	switch ref.kind {
	case kindForeground:
		r.foreground.Cancel(ref.slot)
		delete(r.fgSlotToID, ref.slot)
	case kindBackground:
		r.background.Cancel(ref.slot)
		delete(r.bgSlotToID, ref.slot)
	}
	delete(r.completions, id)
}

// PollScheduler drives one iteration: the background group once, then
// the foreground group until it goes idle. It also ticks the clock,
// subject to TimerResolution throttling.
func (r *Runtime) PollScheduler() {
	r.iteration++
	r.clock.tick(r.iteration)

	for _, slot := range r.background.Poll(scheduler.PollOnce) {
		// A background coroutine normally never completes; one that
		// does (e.g. a supervisor noticing a fatal I/O error) has its
		// result discarded, per the "may never be waited on" contract.
		id, ok := r.bgSlotToID[slot]
		if ok {
			delete(r.bgSlotToID, slot)
			delete(r.tasks, id)
		}
		r.background.Drain(slot)
	}

	for _, slot := range r.foreground.Poll(scheduler.PollUntilIdle) {
		id, ok := r.fgSlotToID[slot]
		if !ok {
			continue
		}
		delete(r.fgSlotToID, slot)
		result := r.foreground.Drain(slot)
		r.completions[id] = completion{result: result}
	}
}

// Completed reports whether id's result is sitting in the completion
// cache, waiting for Wait or WaitAny to collect it.
func (r *Runtime) Completed(id TaskID) bool {
	_, ok := r.completions[id]
	return ok
}

// Wait blocks, driving PollScheduler, until id's coroutine completes,
// then returns its result. It returns an error if id is unknown or
// names a background task, which may never be waited on.
func (r *Runtime) Wait(id TaskID) (any, error) {
	if ref, tracked := r.tasks[id]; tracked && ref.kind == kindBackground {
		return nil, errno.Wrap(errno.ENOTSUP, "background tasks cannot be waited on")
	}
	for {
		if c, ok := r.completions[id]; ok {
			delete(r.completions, id)
			return c.result, nil
		}
		if _, tracked := r.tasks[id]; !tracked {
			return nil, errno.Wrap(errno.EINVAL, "unknown task id")
		}
		r.PollScheduler()
	}
}

// WaitAny blocks until any one of ids completes, returning its index
// in ids along with its result.
func (r *Runtime) WaitAny(ids []TaskID) (int, any, error) {
	for _, id := range ids {
		if ref, tracked := r.tasks[id]; tracked && ref.kind == kindBackground {
			return -1, nil, errno.Wrap(errno.ENOTSUP, "background tasks cannot be waited on")
		}
	}
	for {
		for i, id := range ids {
			if c, ok := r.completions[id]; ok {
				delete(r.completions, id)
				return i, c.result, nil
			}
		}
		anyTracked := false
		for _, id := range ids {
			if _, tracked := r.tasks[id]; tracked {
				anyTracked = true
				break
			}
		}
		if !anyTracked {
			return -1, nil, errno.Wrap(errno.EINVAL, "unknown task id")
		}
		r.PollScheduler()
	}
}
