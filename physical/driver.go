// Package physical defines the driver contract the rest of the stack
// transmits through and receives from: transmit, receive, and buffer
// allocation, implemented by whatever kernel-bypass or fallback
// backend a libOS instance is constructed with. No layer above a
// Driver dereferences its internals, and a Driver dereferences nothing
// above it.
package physical

import "github.com/yanet-platform/lightos/pbuf"

// TransmitHeadroom is the space Allocate reserves in front of every
// buffer's payload: enough for an Ethernet header plus an IPv4 header
// plus the largest TCP header this stack emits (the 20-byte fixed
// header plus an MSS and window-scale option, padded to a 4-byte
// boundary), the deepest prepend chain any protocol layer in this
// stack builds before a Transmit call.
const TransmitHeadroom = 14 + 20 + 28

// Driver is the physical-layer contract. Transmit is fire-and-forget
// from the caller's perspective: a Driver may copy the submitted buffer
// into a DMA-registered region if it is not already pool-backed, but it
// never blocks on the wire. Receive returns a bounded batch no larger
// than the driver's configured receive burst size.
type Driver interface {
	// Transmit sends pb. The driver takes ownership: it must Drop pb
	// once done with it, matching the refcounted buffer contract.
	Transmit(pb *pbuf.Buf) error

	// Receive drains whatever frames have arrived, up to the driver's
	// burst size. An empty, nil-error result means nothing arrived this
	// poll; it is not an error condition.
	Receive() ([]*pbuf.Buf, error)

	// Allocate returns a fresh buffer with exactly size bytes of payload
	// and TransmitHeadroom bytes of reserved space in front of it, so a
	// caller building a payload bottom-up (L4, then L3, then L2) can
	// Prepend every header on the way out without reallocating.
	Allocate(size int) (*pbuf.Buf, error)

	// Close releases any driver-owned resources (sockets, rings,
	// registered memory).
	Close() error
}

// EphemeralPortAllocator is an optional capability a Driver may offer:
// a backend that owns a NIC's port resources (e.g. a cohost reservation
// scheme) can hand out ephemeral source ports directly instead of the
// protocol layers picking from an unmanaged range.
type EphemeralPortAllocator interface {
	AllocateEphemeralPort() (uint16, error)
	ReleaseEphemeralPort(port uint16)
}

// EphemeralPortSet, if a Driver implements it, exposes that capability.
// Callers type-assert for it rather than requiring every Driver to
// implement it.
func EphemeralPortSet(d Driver) (EphemeralPortAllocator, bool) {
	a, ok := d.(EphemeralPortAllocator)
	return a, ok
}
