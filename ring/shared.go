package ring

import (
	"fmt"
	"unsafe"
)

// headerWords is the number of uint64 words in a Shared ring's header:
// head, tail, capacity.
const headerWords = 3

// RegionSize returns the number of bytes a Shared ring with the given
// capacity and element size needs backing it — a header followed by a
// capacity-sized array of elemSize slots, as described by the shared
// ring layout both endpoints of an mmap agree on.
func RegionSize(capacity, elemSize int) int {
	return headerWords*8 + capacity*elemSize
}

// Shared is the byte-oriented flavor of Ring meant to live in a region
// mapped by two separate processes: one external writer, one external
// reader, matching the SPSC contract in Ring. It operates on raw byte
// slots instead of a generic element type because the memory backing it
// may be owned by something outside the Go runtime (an mmap'd file).
type Shared struct {
	capacity uint64
	elemSize int

	head *uint64 // consumer-owned
	tail *uint64 // producer-owned
	cap  *uint64 // written once at construction, read-only afterwards
	buf  []byte  // capacity*elemSize bytes, immediately after the header
}

// NewShared installs a Shared ring over region, which must be exactly
// RegionSize(capacity, elemSize) bytes and 8-byte aligned — true of any
// region obtained from mmap or from make([]byte, n). init is true for
// the endpoint that creates the ring (it writes capacity into the
// header); the other endpoint attaches with init set to false.
func NewShared(region []byte, capacity, elemSize int, init bool) (*Shared, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", capacity)
	}
	want := RegionSize(capacity, elemSize)
	if len(region) != want {
		return nil, fmt.Errorf("ring: region is %d bytes, want %d", len(region), want)
	}
	if uintptr(unsafe.Pointer(&region[0]))%8 != 0 {
		return nil, fmt.Errorf("ring: region is not 8-byte aligned")
	}

	s := &Shared{
		capacity: uint64(capacity),
		elemSize: elemSize,
		head:     (*uint64)(unsafe.Pointer(&region[0])),
		tail:     (*uint64)(unsafe.Pointer(&region[8])),
		cap:      (*uint64)(unsafe.Pointer(&region[16])),
		buf:      region[headerWords*8:],
	}

	if init {
		atomicStore(s.head, 0)
		atomicStore(s.tail, 0)
		atomicStore(s.cap, uint64(capacity))
	} else if got := atomicLoad(s.cap); got != uint64(capacity) {
		return nil, fmt.Errorf("ring: region capacity %d does not match %d", got, capacity)
	}

	return s, nil
}

func (s *Shared) slot(idx uint64) []byte {
	off := (idx & (s.capacity - 1)) * uint64(s.elemSize)
	return s.buf[off : off+uint64(s.elemSize)]
}

// Capacity returns the ring's fixed capacity.
func (s *Shared) Capacity() int { return int(s.capacity) }

// IsEmpty reports whether the ring currently holds no messages.
func (s *Shared) IsEmpty() bool {
	return atomicLoad(s.head) == atomicLoad(s.tail)
}

// IsFull reports whether the ring currently holds Capacity() messages.
func (s *Shared) IsFull() bool {
	return atomicLoad(s.tail)-atomicLoad(s.head) == s.capacity
}

// TryEnqueue copies v's bytes (len(v) must equal the configured element
// size) into the next free slot. It returns false if the ring is full.
func (s *Shared) TryEnqueue(v []byte) bool {
	tail := atomicLoad(s.tail)
	head := atomicLoad(s.head)
	if tail-head == s.capacity {
		return false
	}
	copy(s.slot(tail), v)
	// Release: the slot write must be visible before the new tail is.
	atomicStoreRelease(s.tail, tail+1)
	return true
}

// TryDequeue copies the oldest slot into dst (which must be at least the
// configured element size) and returns true, or returns false if the
// ring is empty.
func (s *Shared) TryDequeue(dst []byte) bool {
	head := atomicLoad(s.head)
	// Acquire: must observe the producer's slot write before reading it.
	tail := atomicLoadAcquire(s.tail)
	if head == tail {
		return false
	}
	copy(dst, s.slot(head))
	atomicStore(s.head, head+1)
	return true
}
