// Package waker implements the waker page: a 64-slot atomic bitmap that
// backs the scheduler's task wakers. Several pages form a scheduler
// group, one page per 64 pinned-slab slots.
package waker

import "sync/atomic"

// SlotsPerPage is the number of task slots one page backs.
const SlotsPerPage = 64

// Page is a 64-slot notification bitmap. Bits in notified may only be
// set while the corresponding bit in initialized is set; Notify enforces
// this by checking initialized before setting a bit.
type Page struct {
	// refcount is the page's own heap-lifetime counter: the total
	// number of live Waker handles pointing at it, across all slots. It
	// is not a per-slot bitmap.
	refcount atomic.Uint64

	notified    atomic.Uint64
	initialized atomic.Uint64
}

// NewPage allocates a page with no outstanding waker references. The
// owning scheduler group holds the page alive through its own slice
// regardless of this count; the count tracks Waker handles specifically,
// so tests can observe the "freed once every reference drops" invariant
// in isolation.
func NewPage() *Page {
	return &Page{}
}

// Init marks slot as live, allowing wakers on it to set notified bits.
func (p *Page) Init(slot int) {
	p.initialized.Or(1 << uint(slot))
}

// Clear marks slot as no longer live and clears any pending notification
// for it, as happens when a task is removed from the slab.
func (p *Page) Clear(slot int) {
	mask := ^(uint64(1) << uint(slot))
	p.notified.And(mask)
	p.initialized.And(mask)
}

// IsInitialized reports whether slot currently holds a live task.
func (p *Page) IsInitialized(slot int) bool {
	return p.initialized.Load()&(1<<uint(slot)) != 0
}

// Notify sets slot's notified bit, provided the slot is still
// initialized. A notification for a slot that has since been cleared
// (the task completed and was drained, or was cancelled) is silently
// dropped instead of corrupting a future occupant of the same slot.
func (p *Page) Notify(slot int) {
	bit := uint64(1) << uint(slot)
	if p.initialized.Load()&bit == 0 {
		return
	}
	p.notified.Or(bit)
}

// DrainNotified atomically reads and clears the notified word, returning
// the bits that were set. Coalesced wakes since the last drain collapse
// to a single bit, never a lost one.
func (p *Page) DrainNotified() uint64 {
	return p.notified.Swap(0)
}

// IncRef bumps the page's reference count, as a cloned Waker does.
func (p *Page) IncRef() {
	p.refcount.Add(1)
}

// DecRef releases a reference. It returns true exactly once, the moment
// the count reaches zero, telling the caller it is safe to drop the last
// pointer to the page and let the garbage collector reclaim it.
func (p *Page) DecRef() bool {
	return p.refcount.Add(^uint64(0)) == 0
}

// Live reports whether the page still has outstanding references.
func (p *Page) Live() bool {
	return p.refcount.Load() > 0
}
