package scheduler

import (
	"math/bits"

	"github.com/yanet-platform/lightos/waker"
)

// PollMode controls how far Group.Poll drives the ready list before
// returning.
type PollMode int

const (
	// PollOnce drains one fresh round of notifications (or continues
	// the in-flight ready list) and polls exactly that set once.
	PollOnce PollMode = iota
	// PollUntilIdle repeats draining and polling until a drain produces
	// no new work, i.e. the group has gone quiescent.
	PollUntilIdle
)

// defaultIterationBudget bounds PollUntilIdle so a coroutine that wakes
// itself forever cannot starve the rest of the group.
const defaultIterationBudget = 1024

// Group owns a pinned slab of tasks and the waker pages backing them.
type Group struct {
	tasks    []*task
	freeList []int

	pages []*waker.Page

	ready []int
}

// NewGroup constructs an empty task group.
func NewGroup() *Group {
	return &Group{}
}

// Insert adds a coroutine to the group and returns its internal slab
// index. The task is not polled until the next Poll call.
func (g *Group) Insert(name string, fut Future) int {
	idx := g.allocSlot()

	pageIdx := idx >> 6
	slot := idx & 63
	for pageIdx >= len(g.pages) {
		g.pages = append(g.pages, waker.NewPage())
	}
	page := g.pages[pageIdx]
	page.Init(slot)

	g.tasks[idx] = &task{name: name, fut: fut, page: page, slot: slot}

	// A freshly inserted task is runnable immediately.
	g.ready = append(g.ready, idx)

	return idx
}

func (g *Group) allocSlot() int {
	n := len(g.freeList)
	if n == 0 {
		g.tasks = append(g.tasks, nil)
		return len(g.tasks) - 1
	}
	idx := g.freeList[n-1]
	g.freeList = g.freeList[:n-1]
	return idx
}

// IsLive reports whether idx currently names an occupied slot.
func (g *Group) IsLive(idx int) bool {
	return idx >= 0 && idx < len(g.tasks) && g.tasks[idx] != nil
}

// Name returns the task's registration name, for logging.
func (g *Group) Name(idx int) string {
	if !g.IsLive(idx) {
		return ""
	}
	return g.tasks[idx].name
}

// Completed reports whether idx's task has finished but not yet been
// drained.
func (g *Group) Completed(idx int) bool {
	return g.IsLive(idx) && g.tasks[idx].done
}

// Drain consumes a completed task's result and releases its slab slot.
// It panics if the task has not completed — callers are expected to
// check Completed first.
func (g *Group) Drain(idx int) any {
	t := g.tasks[idx]
	if t == nil || !t.done {
		panic("scheduler: Drain called on a task that has not completed")
	}
	result := t.result
	g.remove(idx)
	return result
}

// Cancel removes a task before it has completed, e.g. because its owning
// queue descriptor was closed.
func (g *Group) Cancel(idx int) {
	if g.IsLive(idx) {
		g.remove(idx)
	}
}

func (g *Group) remove(idx int) {
	t := g.tasks[idx]
	t.page.Clear(t.slot)
	g.tasks[idx] = nil
	g.freeList = append(g.freeList, idx)
}

// Poll drives the ready list forward. It returns the slab indices of
// tasks that completed during this call.
func (g *Group) Poll(mode PollMode) []int {
	var completed []int
	budget := defaultIterationBudget

	for budget > 0 {
		budget--

		if len(g.ready) == 0 {
			g.ready = g.drainNotifications()
		}
		if len(g.ready) == 0 {
			return completed
		}

		batch := g.ready
		g.ready = nil

		for _, idx := range batch {
			t := g.tasks[idx]
			if t == nil || t.done {
				// Removed or already completed between notification
				// and poll (e.g. cancelled); nothing to do.
				continue
			}

			w := waker.New(t.page, t.slot)
			result, done := t.fut.Poll(w)
			w.Drop()

			if done {
				t.done = true
				t.result = result
				completed = append(completed, idx)
			}
		}

		if mode == PollOnce {
			return completed
		}
		// PollUntilIdle: loop again, which will re-drain notifications;
		// if nothing new arrived, drainNotifications returns empty and
		// we stop above.
	}

	return completed
}

// drainNotifications atomically reads and clears every page's notified
// word and returns the set bits as slab indices.
func (g *Group) drainNotifications() []int {
	var ready []int
	for pageIdx, page := range g.pages {
		word := page.DrainNotified()
		for word != 0 {
			slot := bits.TrailingZeros64(word)
			word &= word - 1
			ready = append(ready, pageIdx<<6|slot)
		}
	}
	return ready
}

// Len returns the number of occupied slots, live or completed-but-not-drained.
func (g *Group) Len() int {
	return len(g.tasks) - len(g.freeList)
}
