package waker

// Waker is a handle a suspended task hands to whatever will eventually
// make progress on its behalf (a background coroutine, an ARP reply, a
// timer). Calling Wake marks the task's slot ready; the next scheduler
// poll re-polls it.
//
// A systems runtime would model a waker as a raw pointer encoding a
// page address and a slot index recovered by a known alignment offset,
// to get a single-word, type-erased handle. Go has no such constraint,
// so Waker is simply a (page, slot) pair — the behavior is identical.
type Waker struct {
	page *Page
	slot int
}

// New constructs a waker for the given page and slot, taking a reference
// on the page.
func New(page *Page, slot int) Waker {
	page.IncRef()
	return Waker{page: page, slot: slot}
}

// Wake notifies the task's slot. Unlike WakeByRef it also releases this
// waker's own reference on the page, mirroring a by-value wake that
// consumes the handle.
func (w Waker) Wake() {
	w.WakeByRef()
	w.page.DecRef()
}

// WakeByRef notifies the task's slot without releasing the waker, so it
// can be woken again later.
func (w Waker) WakeByRef() {
	w.page.Notify(w.slot)
}

// Clone returns a new waker for the same slot, bumping the page's
// refcount so both outlive independently.
func (w Waker) Clone() Waker {
	w.page.IncRef()
	return w
}

// Drop releases this waker's reference without waking anything.
func (w Waker) Drop() {
	w.page.DecRef()
}

// Same reports whether w and other name the same task slot, i.e. would
// wake the same task. Used by waiter lists (condition variables,
// timers) that need to recognize their own registration across polls.
func (w Waker) Same(other Waker) bool {
	return w.page == other.page && w.slot == other.slot
}
