// Package bufpool implements a fixed-size buffer allocator: a free-list of
// uniformly sized chunks carved out of one contiguous allocation, with
// optional page alignment for driver DMA registration.
package bufpool

import (
	"errors"

	"github.com/c2h5oh/datasize"
)

// pageSize is the alignment unit used when a pool is asked to keep every
// chunk within a single page, matching the granularity a kernel-bypass
// driver registers memory with hardware at.
const pageSize = 4096

// ErrRegionTooSmall is returned by Populate when the region cannot hold
// even a single chunk.
var ErrRegionTooSmall = errors.New("bufpool: region too small for one chunk")

// Pool is a free-list allocator over a single contiguous byte region.
type Pool struct {
	chunkSize int // size requested by the caller
	footprint int // actual per-chunk stride, grown to avoid page-straddling
	pageAlign bool

	base []byte
	free []int
}

// New creates an empty pool for chunks of chunkSize bytes. Call Populate
// before using it.
func New(chunkSize int) *Pool {
	return &Pool{chunkSize: chunkSize, footprint: chunkSize}
}

// Populate installs a contiguous byte region and carves it into chunks.
// When pageAlign is set, the pool grows each chunk's footprint, if
// necessary, so that no chunk straddles a page boundary, rather than
// padding between chunks.
func (p *Pool) Populate(region []byte, pageAlign bool) error {
	footprint := p.chunkSize
	if pageAlign {
		footprint = pageAlignedFootprint(p.chunkSize)
	}
	if len(region) < footprint {
		return ErrRegionTooSmall
	}

	n := len(region) / footprint

	p.pageAlign = pageAlign
	p.footprint = footprint
	p.base = region
	p.free = make([]int, n)
	for i := range p.free {
		p.free[i] = n - 1 - i
	}
	return nil
}

// pageAlignedFootprint returns the smallest multiple of, or divisor
// evenly dividing, pageSize that is at least chunkSize, so that chunks
// packed contiguously never straddle a page.
func pageAlignedFootprint(chunkSize int) int {
	if chunkSize >= pageSize {
		return ((chunkSize + pageSize - 1) / pageSize) * pageSize
	}
	for d := chunkSize; d <= pageSize; d++ {
		if pageSize%d == 0 {
			return d
		}
	}
	return pageSize
}

// Get acquires a free chunk. It returns false if the pool is exhausted.
func (p *Pool) Get() (Chunk, bool) {
	n := len(p.free)
	if n == 0 {
		return Chunk{}, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	return Chunk{pool: p, index: idx}, true
}

// Put returns a chunk to the pool.
func (p *Pool) Put(c Chunk) {
	p.free = append(p.free, c.index)
}

// Available returns the number of free chunks.
func (p *Pool) Available() int { return len(p.free) }

// Capacity returns the total number of chunks the pool was populated
// with.
func (p *Pool) Capacity() int { return len(p.base) / p.footprint }

// Layout returns the per-chunk size and alignment guarantee a driver
// should use to register this pool's region with hardware.
func (p *Pool) Layout() (size datasize.ByteSize, pageAligned bool) {
	return datasize.ByteSize(p.footprint), p.pageAlign
}

// Chunk is an opaque handle to one pool-backed buffer.
type Chunk struct {
	pool  *Pool
	index int
}

// Bytes returns the chunk's backing storage.
func (c Chunk) Bytes() []byte {
	off := c.index * c.pool.footprint
	return c.pool.base[off : off+c.pool.chunkSize]
}
