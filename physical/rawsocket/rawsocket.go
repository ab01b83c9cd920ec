//go:build linux

// Package rawsocket implements the physical.Driver contract over a
// Linux AF_PACKET raw socket: the portable fallback behind the
// kernel-bypass backends. It is not meant to be fast; it
// exists so the stack runs on a plain Linux box without special
// privileges beyond CAP_NET_RAW.
package rawsocket

import (
	"context"
	"fmt"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/yanet-platform/lightos/bufpool"
	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/physical"
	"github.com/yanet-platform/lightos/ring"
)

// Option configures a Driver at Open time.
type Option func(*options)

type options struct {
	log       *zap.SugaredLogger
	rxRing    int
	poolCount int
	chunkSize int
	burst     int
}

func defaultOptions() *options {
	return &options{
		log:       zap.NewNop().Sugar(),
		rxRing:    1024,
		poolCount: 2048,
		chunkSize: 2048,
		burst:     32,
	}
}

// WithLog attaches a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// WithRXRingSize sets the capacity of the in-process ring the reader
// goroutine bridges received frames through. Must be a power of two.
func WithRXRingSize(n int) Option {
	return func(o *options) { o.rxRing = n }
}

// WithBufferPool sets the chunk size and chunk count of the buffer pool
// backing Allocate.
func WithBufferPool(chunkSize, count int) Option {
	return func(o *options) { o.chunkSize, o.poolCount = chunkSize, count }
}

// WithBurst sets the maximum number of frames a single Receive call
// returns.
func WithBurst(n int) Option {
	return func(o *options) { o.burst = n }
}

// Driver is a physical.Driver backed by an AF_PACKET socket bound to a
// single interface.
type Driver struct {
	log *zap.SugaredLogger

	fd      int
	ifIndex int
	mac     [6]byte

	pool *bufpool.Pool
	rx   *ring.Ring[[]byte]
	burst int

	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Open binds an AF_PACKET socket to ifaceName and starts a reader
// goroutine that bridges incoming frames into an in-process ring,
// supervised by an errgroup so a read failure surfaces through Close.
func Open(ifaceName string, opts ...Option) (*Driver, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, errno.Wrap(errno.ENODEV, fmt.Sprintf("rawsocket: interface %q: %v", ifaceName, err))
	}
	attrs := link.Attrs()

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, errno.Wrap(errno.EIO, fmt.Sprintf("rawsocket: socket: %v", err))
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  attrs.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, errno.Wrap(errno.EIO, fmt.Sprintf("rawsocket: bind: %v", err))
	}

	pool := bufpool.New(o.chunkSize)
	if err := pool.Populate(make([]byte, o.chunkSize*o.poolCount), true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	var mac [6]byte
	copy(mac[:], attrs.HardwareAddr)

	rx, err := ring.New[[]byte](o.rxRing)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	d := &Driver{
		log:     o.log,
		fd:      fd,
		ifIndex: attrs.Index,
		mac:     mac,
		pool:    pool,
		rx:      rx,
		burst:   o.burst,
		cancel:  cancel,
		group:   group,
	}

	group.Go(func() error {
		return d.readLoop(ctx)
	})

	return d, nil
}

// LocalMAC returns the bound interface's hardware address.
func (d *Driver) LocalMAC() [6]byte {
	return d.mac
}

func (d *Driver) readLoop(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, _, err := unix.Recvfrom(d.fd, buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if ctx.Err() != nil {
				// Close cancelled us and pulled the fd out from under
				// the read; not a failure.
				return ctx.Err()
			}
			return errno.Wrap(errno.EIO, fmt.Sprintf("rawsocket: recvfrom: %v", err))
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		if !d.rx.TryEnqueue(frame) {
			d.log.Warnw("rawsocket: rx ring full, dropping frame")
		}
	}
}

// Transmit writes pb's bytes to the socket. Chained buffers are
// linearized into a single write, since AF_PACKET has no scatter-write
// primitive analogous to DMA descriptor chaining.
func (d *Driver) Transmit(pb *pbuf.Buf) error {
	defer pb.Drop()

	frame := make([]byte, 0, pb.PacketLen())
	for seg := pb; seg != nil; seg = seg.Next() {
		frame = append(frame, seg.Bytes()...)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  d.ifIndex,
	}
	if err := unix.Sendto(d.fd, frame, 0, &addr); err != nil {
		return errno.Wrap(errno.EIO, fmt.Sprintf("rawsocket: sendto: %v", err))
	}
	return nil
}

// Receive drains up to the configured burst size of frames bridged
// from the reader goroutine.
func (d *Driver) Receive() ([]*pbuf.Buf, error) {
	var batch []*pbuf.Buf
	for i := 0; i < d.burst; i++ {
		frame, ok := d.rx.TryDequeue()
		if !ok {
			break
		}
		pb, err := pbuf.FromSlice(frame)
		if err != nil {
			d.log.Warnw("rawsocket: dropping oversized frame", "len", len(frame))
			continue
		}
		batch = append(batch, pb)
	}
	return batch, nil
}

// Allocate returns a pool-backed buffer with physical.TransmitHeadroom
// bytes of headroom, trimmed to size when it fits the configured chunk
// size, falling back to a heap allocation.
func (d *Driver) Allocate(size int) (*pbuf.Buf, error) {
	pb, err := pbuf.FromPoolWithHeadroom(d.pool, physical.TransmitHeadroom)
	if err != nil {
		return pbuf.NewWithHeadroom(size, physical.TransmitHeadroom), nil
	}
	if extra := pb.Len() - size; extra > 0 {
		if err := pb.Trim(extra); err != nil {
			pb.Drop()
			return pbuf.NewWithHeadroom(size, physical.TransmitHeadroom), nil
		}
	} else if extra < 0 {
		pb.Drop()
		return pbuf.NewWithHeadroom(size, physical.TransmitHeadroom), nil
	}
	return pb, nil
}

// Close stops the reader goroutine and closes the socket. The fd is
// closed before waiting: a reader parked in Recvfrom has no other way
// to observe the cancellation.
func (d *Driver) Close() error {
	d.cancel()
	unix.Close(d.fd)
	err := d.group.Wait()
	if err != nil && err != context.Canceled {
		return errno.Wrap(errno.EIO, fmt.Sprintf("rawsocket: reader: %v", err))
	}
	return nil
}

// htons converts a 16-bit value from host to network byte order, as
// required for the AF_PACKET protocol field.
func htons(v uint16) uint16 {
	return v<<8&0xff00 | v>>8
}
