// Package pbuf implements the zero-copy packet buffer: a reference-counted,
// chainable byte buffer handle with headroom semantics. It is the sole
// currency passed between the physical layer and every protocol layer
// above it.
//
// A buffer is either direct (it owns a backing array) or indirect (it is a
// window into another buffer's backing array, sharing bytes without a
// copy). Go's garbage collector retires the backing array once nothing
// references it; pool-backed buffers instead return their chunk to the
// pool explicitly on the last drop, mirroring the C mbuf discipline of
// returning a buffer to its mempool.
package pbuf

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/yanet-platform/lightos/bufpool"
)

var (
	// ErrShortSegment is returned when adjust/trim would consume more
	// bytes than the segment currently holds.
	ErrShortSegment = errors.New("pbuf: not enough bytes in segment")
	// ErrNoHeadroom is returned when prepend would need more headroom
	// than the buffer has.
	ErrNoHeadroom = errors.New("pbuf: not enough headroom")
	// ErrChained is returned by operations restricted to single-segment
	// buffers (split_front, split_back).
	ErrChained = errors.New("pbuf: operation not supported on a chained buffer")
	// ErrTooLarge is returned by FromSlice when the payload does not fit
	// in a 16-bit length field.
	ErrTooLarge = errors.New("pbuf: payload exceeds 65535 bytes")
	// ErrPoolExhausted is returned by FromPool when the pool has no free
	// chunks.
	ErrPoolExhausted = errors.New("pbuf: pool exhausted")
)

// Buf is a handle to one segment of a packet. The zero value is not
// valid; construct one with New, NewWithHeadroom, FromSlice or FromPool.
type Buf struct {
	// data is the owned backing array. Populated only on a direct
	// buffer; an indirect buffer reads through direct instead.
	data []byte

	dataOff int
	dataLen int
	bufLen  int

	// pktLen and nbSegs are valid only on the head of a chain.
	pktLen int
	nbSegs int

	refcnt int32

	// direct is nil for a direct buffer. For an indirect buffer it
	// points at the direct buffer whose backing array this one views;
	// dataOff/dataLen are absolute offsets into that array.
	direct *Buf

	next *Buf

	pool  *bufpool.Pool
	chunk bufpool.Chunk
}

// New allocates a direct buffer of the given capacity with no headroom.
func New(capacity int) *Buf {
	return NewWithHeadroom(capacity, 0)
}

// NewWithHeadroom allocates a direct buffer with capacity bytes of
// payload and headroom bytes of reserved space before it.
func NewWithHeadroom(capacity, headroom int) *Buf {
	return &Buf{
		data:    make([]byte, capacity+headroom),
		dataOff: headroom,
		dataLen: capacity,
		bufLen:  capacity + headroom,
		pktLen:  capacity,
		nbSegs:  1,
		refcnt:  1,
	}
}

// FromSlice allocates a direct buffer and copies data into it.
func FromSlice(data []byte) (*Buf, error) {
	if len(data) > 0xffff {
		return nil, ErrTooLarge
	}
	b := New(len(data))
	copy(b.data, data)
	return b, nil
}

// FromPool acquires a chunk from the pool and wraps it as a direct
// buffer whose payload is the whole chunk, with no headroom. It
// returns ErrPoolExhausted if the pool has no free chunks. Callers that
// need headroom for prepending a header carve it out of the front with
// Adjust before writing payload into the buffer.
func FromPool(pool *bufpool.Pool) (*Buf, error) {
	chunk, ok := pool.Get()
	if !ok {
		return nil, ErrPoolExhausted
	}
	buf := chunk.Bytes()
	return &Buf{
		data:    buf,
		dataLen: len(buf),
		bufLen:  len(buf),
		pktLen:  len(buf),
		nbSegs:  1,
		refcnt:  1,
		pool:    pool,
		chunk:   chunk,
	}, nil
}

// FromPoolWithHeadroom is FromPool but reserves headroom bytes at the
// front of the chunk before the payload begins, so a caller can later
// Prepend a protocol header without reallocating.
func FromPoolWithHeadroom(pool *bufpool.Pool, headroom int) (*Buf, error) {
	chunk, ok := pool.Get()
	if !ok {
		return nil, ErrPoolExhausted
	}
	buf := chunk.Bytes()
	if headroom > len(buf) {
		pool.Put(chunk)
		return nil, ErrNoHeadroom
	}
	return &Buf{
		data:    buf,
		dataOff: headroom,
		dataLen: len(buf) - headroom,
		bufLen:  len(buf),
		pktLen:  len(buf) - headroom,
		nbSegs:  1,
		refcnt:  1,
		pool:    pool,
		chunk:   chunk,
	}, nil
}

// Len returns the number of payload bytes in this segment.
func (b *Buf) Len() int { return b.dataLen }

// Headroom returns the number of free bytes before the payload in this
// segment's backing array.
func (b *Buf) Headroom() int { return b.dataOff }

// IsDirect reports whether this buffer owns its backing array.
func (b *Buf) IsDirect() bool { return b.direct == nil }

// PacketLen returns the sum of Len() over the whole chain. Valid only on
// the head segment.
func (b *Buf) PacketLen() int { return b.pktLen }

// NumSegments returns the number of segments in the chain. Valid only on
// the head segment.
func (b *Buf) NumSegments() int { return b.nbSegs }

// Next returns the next segment in the chain, or nil.
func (b *Buf) Next() *Buf { return b.next }

func (b *Buf) baseData() []byte {
	if b.direct != nil {
		return b.direct.data
	}
	return b.data
}

// Bytes returns this segment's payload.
func (b *Buf) Bytes() []byte {
	base := b.baseData()
	return base[b.dataOff : b.dataOff+b.dataLen]
}

// directRoot returns the direct buffer backing b's data, which is b
// itself if b is already direct.
func (b *Buf) directRoot() *Buf {
	if b.direct != nil {
		return b.direct
	}
	return b
}

// Adjust consumes n bytes from the head of the first segment, as if
// parsing and stripping a protocol header.
func (b *Buf) Adjust(n int) error {
	if n > b.dataLen {
		return ErrShortSegment
	}
	b.dataOff += n
	b.dataLen -= n
	b.pktLen -= n
	return nil
}

// Trim removes n bytes from the tail of the last segment.
func (b *Buf) Trim(n int) error {
	tail := b
	for tail.next != nil {
		tail = tail.next
	}
	if n > tail.dataLen {
		return ErrShortSegment
	}
	tail.dataLen -= n
	b.pktLen -= n
	return nil
}

// Prepend grows the first segment by n bytes at the head, consuming
// reserved headroom, as if prepending a protocol header before transmit.
func (b *Buf) Prepend(n int) error {
	if n > b.dataOff {
		return ErrNoHeadroom
	}
	b.dataOff -= n
	b.dataLen += n
	b.pktLen += n
	return nil
}

// SplitFront splits a single-segment buffer at off, returning a sibling
// that shares the same backing array without copying: the receiver keeps
// bytes [0, off) and the returned buffer holds [off, Len()).
func (b *Buf) SplitFront(off int) (*Buf, error) {
	if b.next != nil || b.nbSegs != 1 {
		return nil, ErrChained
	}
	if off < 0 || off > b.dataLen {
		return nil, ErrShortSegment
	}

	root := b.directRoot()
	sibling := &Buf{
		direct:  root,
		dataOff: b.dataOff + off,
		dataLen: b.dataLen - off,
		nbSegs:  1,
		refcnt:  1,
	}
	if sibling.dataLen > 0 {
		root.refcnt++
	}
	sibling.pktLen = sibling.dataLen

	b.dataLen = off
	b.pktLen = off

	return sibling, nil
}

// SplitBack splits a single-segment buffer at off, returning a sibling
// holding bytes [0, off); the receiver keeps [off, Len()).
func (b *Buf) SplitBack(off int) (*Buf, error) {
	if b.next != nil || b.nbSegs != 1 {
		return nil, ErrChained
	}
	if off < 0 || off > b.dataLen {
		return nil, ErrShortSegment
	}

	root := b.directRoot()
	sibling := &Buf{
		direct:  root,
		dataOff: b.dataOff,
		dataLen: off,
		nbSegs:  1,
		refcnt:  1,
	}
	if sibling.dataLen > 0 {
		root.refcnt++
	}
	sibling.pktLen = sibling.dataLen

	b.dataOff += off
	b.dataLen -= off
	b.pktLen -= off

	return sibling, nil
}

// Clone produces a full independent handle to the same chain of data.
// Each segment is given a fresh indirect metadata node pointing at the
// direct segment that actually owns the bytes; zero-length segments are
// copied verbatim since there is nothing to share.
func (b *Buf) Clone() *Buf {
	var head, tail *Buf

	for seg := b; seg != nil; seg = seg.next {
		var clone *Buf
		if seg.dataLen == 0 {
			clone = &Buf{nbSegs: 1, refcnt: 1}
		} else {
			root := seg.directRoot()
			root.refcnt++
			clone = &Buf{
				direct:  root,
				dataOff: seg.dataOff,
				dataLen: seg.dataLen,
				nbSegs:  1,
				refcnt:  1,
			}
		}

		if head == nil {
			head = clone
		} else {
			tail.next = clone
		}
		tail = clone
	}

	head.pktLen = b.pktLen
	head.nbSegs = b.nbSegs
	return head
}

// Drop releases the caller's reference to every segment in the chain.
// A segment whose refcount reaches zero is freed: an indirect segment
// releases its reference on the direct segment it views, and a direct
// segment whose refcount reaches zero returns its chunk to its pool (if
// any) or is simply abandoned to the garbage collector.
func (b *Buf) Drop() {
	for seg := b; seg != nil; {
		next := seg.next
		seg.dropOne()
		seg = next
	}
}

func (b *Buf) dropOne() {
	b.refcnt--
	if b.refcnt > 0 {
		return
	}

	if b.direct != nil {
		b.direct.dropOne()
		return
	}

	if b.pool != nil {
		b.pool.Put(b.chunk)
	}
}

// IntoRaw moves a buffer handle across an ABI boundary without touching
// its refcount; pair with FromRaw to recover it.
func IntoRaw(b *Buf) unsafe.Pointer {
	return unsafe.Pointer(b)
}

// FromRaw recovers a buffer handle previously surrendered with IntoRaw.
func FromRaw(ptr unsafe.Pointer) *Buf {
	return (*Buf)(ptr)
}

func (b *Buf) String() string {
	return fmt.Sprintf("pbuf.Buf{len=%d, headroom=%d, direct=%v, segs=%d}", b.dataLen, b.dataOff, b.IsDirect(), b.nbSegs)
}
