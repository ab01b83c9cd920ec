package physical

import (
	"sync"

	"github.com/yanet-platform/lightos/bufpool"
	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/pbuf"
)

// TestDriver is a deterministic, in-memory Driver for unit tests. It
// never touches a real NIC: Transmit appends to an observable Sent
// queue, and test code calls Inject to make Receive return frames as
// though they arrived off the wire.
type TestDriver struct {
	mu sync.Mutex

	pool *bufpool.Pool

	sent   [][]byte
	inbox  [][]byte
	burst  int
	closed bool
}

// NewTestDriver constructs a TestDriver backed by a pool of the given
// chunk size and count, with the given receive burst size.
func NewTestDriver(chunkSize, count, burst int) (*TestDriver, error) {
	pool := bufpool.New(chunkSize)
	region := make([]byte, chunkSize*count)
	if err := pool.Populate(region, false); err != nil {
		return nil, err
	}
	return &TestDriver{pool: pool, burst: burst}, nil
}

// Transmit records pb's bytes in the Sent queue and drops the buffer,
// as a real driver would once the frame is handed to the NIC.
func (d *TestDriver) Transmit(pb *pbuf.Buf) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errno.Wrap(errno.ENODEV, "test driver closed")
	}
	d.sent = append(d.sent, append([]byte(nil), pb.Bytes()...))
	pb.Drop()
	return nil
}

// Receive drains up to the configured burst size of injected frames.
func (d *TestDriver) Receive() ([]*pbuf.Buf, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errno.Wrap(errno.ENODEV, "test driver closed")
	}
	n := min(len(d.inbox), d.burst)
	if n == 0 {
		return nil, nil
	}
	batch := make([]*pbuf.Buf, 0, n)
	for _, raw := range d.inbox[:n] {
		pb, err := pbuf.FromSlice(raw)
		if err != nil {
			return nil, err
		}
		batch = append(batch, pb)
	}
	d.inbox = d.inbox[n:]
	return batch, nil
}

// Allocate returns a pool-backed buffer with TransmitHeadroom bytes of
// headroom, trimmed to size, falling back to a heap buffer if the pool
// is exhausted or size plus headroom exceeds its chunk size.
func (d *TestDriver) Allocate(size int) (*pbuf.Buf, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pb, err := pbuf.FromPoolWithHeadroom(d.pool, TransmitHeadroom)
	if err != nil {
		return pbuf.NewWithHeadroom(size, TransmitHeadroom), nil
	}
	if extra := pb.Len() - size; extra > 0 {
		if err := pb.Trim(extra); err != nil {
			pb.Drop()
			return pbuf.NewWithHeadroom(size, TransmitHeadroom), nil
		}
	} else if extra < 0 {
		pb.Drop()
		return pbuf.NewWithHeadroom(size, TransmitHeadroom), nil
	}
	return pb, nil
}

// Close marks the driver unusable; subsequent Transmit/Receive calls
// fail with ENODEV.
func (d *TestDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Inject queues frame to be returned by a future Receive call.
func (d *TestDriver) Inject(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbox = append(d.inbox, append([]byte(nil), frame...))
}

// Sent returns every frame handed to Transmit so far, in order.
func (d *TestDriver) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}
