// Package libos wires the runtime, the physical-layer driver, and the
// protocol stack into a flat, QD-indexed socket API: socket,
// bind, listen, accept, connect, push, pushto, pop, close, wait,
// wait_any, sgaalloc, sgafree. It is the one place in this repository
// that constructs every layer and owns the background coroutine that
// drains the driver's receive batch into L2/L3 demux.
package libos

import (
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/lightos/config"
	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/internal/logging"
	"github.com/yanet-platform/lightos/l2"
	"github.com/yanet-platform/lightos/l3/arp"
	"github.com/yanet-platform/lightos/l3/icmp"
	"github.com/yanet-platform/lightos/l3/ipv4"
	"github.com/yanet-platform/lightos/physical"
	"github.com/yanet-platform/lightos/runtime"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/tcp"
	"github.com/yanet-platform/lightos/tcp/cc"
	"github.com/yanet-platform/lightos/udp"
	"github.com/yanet-platform/lightos/waker"
)

// QD is the external queue descriptor applications hold. Token is the
// opaque completion handle Wait and WaitAny consume; it is backed
// directly by the runtime's own task id, since nothing about the
// socket layer needs a second indirection.
type (
	QD    = runtime.QD
	Token = runtime.TaskID
)

// AddressFamily is Socket's af argument. Only AFInet is ever
// accepted; there is no IPv6 support anywhere in this stack.
type AddressFamily int

// AFInet is the only supported address family.
const AFInet AddressFamily = 2

// SocketType is Socket's type argument.
type SocketType int

const (
	// SockStream names a TCP connection-oriented socket.
	SockStream SocketType = iota + 1
	// SockDgram names a UDP datagram socket.
	SockDgram
)

// Option configures a LibOS at construction.
type Option func(*LibOS)

// WithLog attaches a logger, propagated to every layer this
// constructor wires up. Without one, New builds its own from the
// config's logging section.
func WithLog(log *zap.SugaredLogger) Option {
	return func(lo *LibOS) { lo.log = log }
}

// LibOS is one library-OS instance: one driver, one runtime, one
// protocol stack, bound to one local IPv4 address and MAC. Instances
// share no mutable state, so several can coexist in one process.
type LibOS struct {
	log    *zap.SugaredLogger
	cfg    *config.Config
	driver physical.Driver
	rt     *runtime.Runtime

	l2   *l2.Endpoint
	arp  *arp.Peer
	ipv4 *ipv4.Peer
	icmp *icmp.Peer
	udp  *udp.Stack
	tcp  *tcp.Stack
}

// New constructs a LibOS from cfg, transmitting and receiving through
// driver. cfg must already have LocalAddr/LocalMAC resolved (see
// config.Resolve/ApplyResolved); constructing the driver itself is the
// caller's job.
func New(cfg *config.Config, driver physical.Driver, opts ...Option) (*LibOS, error) {
	if !cfg.LocalAddr.IsValid() {
		return nil, errno.Wrap(errno.EINVAL, "libos: config has no resolved local address")
	}

	lo := &LibOS{
		cfg:    cfg,
		driver: driver,
		rt:     runtime.New(),
	}
	for _, opt := range opts {
		opt(lo)
	}
	if lo.log == nil {
		log, _, err := logging.Init(&cfg.Logging)
		if err != nil {
			return nil, err
		}
		lo.log = log
	}

	lo.l2 = l2.NewEndpoint(cfg.LocalMAC)
	lo.arp = arp.NewPeer(cfg.LocalAddr, cfg.LocalMAC, lo.l2, driver, lo.rt.Clock(),
		arp.WithLog(lo.log), arp.WithTTL(cfg.ARPCacheTTL))
	ipv4Opts := []ipv4.Option{ipv4.WithLog(lo.log)}
	if cfg.LocalPrefix.IsValid() {
		ipv4Opts = append(ipv4Opts, ipv4.WithPrefix(cfg.LocalPrefix))
	}
	lo.ipv4 = ipv4.NewPeer(cfg.LocalAddr, lo.l2, lo.arp, driver, ipv4Opts...)
	lo.icmp = icmp.NewPeer(cfg.LocalAddr, lo.ipv4, lo.rt.Clock(), icmp.WithLog(lo.log))

	udpOpts := []udp.Option{udp.WithLog(lo.log)}
	if cfg.UDPChecksumOffload {
		udpOpts = append(udpOpts, udp.WithChecksumOffload())
	}
	lo.udp = udp.NewStack(lo.ipv4, udpOpts...)

	ccNew, err := congestionController(cfg.TCP.CongestionController)
	if err != nil {
		return nil, err
	}
	tcpOpts := []tcp.Option{
		tcp.WithLog(lo.log),
		tcp.WithRTORange(cfg.TCP.RetransmitMinRTO, cfg.TCP.RetransmitMaxRTO),
		tcp.WithLinger(cfg.TCP.Linger),
		tcp.WithDelayedACK(cfg.TCP.DelayedACKTimeout),
		tcp.WithCongestionController(ccNew),
	}
	if cfg.TCPChecksumOffload {
		tcpOpts = append(tcpOpts, tcp.WithChecksumOffload())
	}
	lo.tcp = tcp.NewStack(lo.ipv4, lo.rt, tcpOpts...)
	lo.icmp.RegisterUnreachable(lo.tcp)

	lo.rt.InsertBackground("phy-rx", lo.receiveLoop())
	lo.rt.InsertBackground("icmp-echo", lo.icmp.Background())

	return lo, nil
}

// Clock returns the runtime's monotonic clock, e.g. for a test driving
// time forward deterministically with Advance.
func (lo *LibOS) Clock() *runtime.Clock { return lo.rt.Clock() }

// Ping issues an ICMP Echo Request to dst and resolves to the
// round-trip duration or ETIMEDOUT. It sits outside the QD-indexed
// socket API: a ping is not a socket, but the prober is part of the
// same stack.
func (lo *LibOS) Ping(dst netip.Addr, timeout time.Duration) scheduler.Future {
	return lo.icmp.Ping(dst, timeout)
}

// PollScheduler drives one scheduler iteration: the background group
// (the receive loop, ICMP responder, and every open connection's
// sender/retransmitter/acknowledger) once, then the foreground group
// (pending socket operations) until it goes idle.
func (lo *LibOS) PollScheduler() { lo.rt.PollScheduler() }

// Yield returns a Future that gives the rest of the foreground group a
// turn before resuming the caller.
func (lo *LibOS) Yield() scheduler.Future { return runtime.Yield() }

// Sleep returns a Future that completes once the clock has advanced by
// at least d.
func (lo *LibOS) Sleep(d time.Duration) scheduler.Future {
	return runtime.Sleep(lo.rt.Clock(), d)
}

// receiveLoop is the background coroutine that drains the driver's
// receive batch every poll and demuxes each frame by EtherType: the
// driver -> L2 -> L3 data flow, one frame at a time.
func (lo *LibOS) receiveLoop() scheduler.Future {
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		batch, err := lo.driver.Receive()
		if err != nil {
			lo.log.Errorw("phy-rx: driver receive failed", "error", err)
			w.WakeByRef()
			return nil, false
		}
		for _, pb := range batch {
			ethertype, err := lo.l2.Receive(pb)
			if err != nil {
				pb.Drop()
				continue
			}
			switch ethertype {
			case l2.EtherTypeIPv4:
				if err := lo.ipv4.Receive(pb); err != nil {
					lo.log.Debugw("phy-rx: ipv4 receive failed", "error", err)
				}
			case l2.EtherTypeARP:
				if err := lo.arp.Receive(pb); err != nil {
					lo.log.Debugw("phy-rx: arp receive failed", "error", err)
				}
			default:
				pb.Drop()
			}
		}
		w.WakeByRef()
		return nil, false
	})
}

// congestionController resolves the config's named congestion-control
// algorithm to a constructor. "reno" is the only one this repository
// ships; a deployment carrying alternatives would register them here.
func congestionController(name string) (func(mss uint32) cc.Controller, error) {
	switch name {
	case "", "reno":
		return cc.NewReno, nil
	default:
		return nil, errno.Errorf(errno.EINVAL, "libos: unknown congestion controller %q", name)
	}
}
