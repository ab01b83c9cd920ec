package tcp

import (
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/l3/ipv4"
	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/physical"
	"github.com/yanet-platform/lightos/runtime"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/tcp/cc"
	"github.com/yanet-platform/lightos/waker"
)

// firstEphemeralPort is the low end of the range handed out to Connect
// when the driver has no physical.EphemeralPortAllocator of its own,
// mirroring udp.Stack's floor.
const firstEphemeralPort = 32768

// fourTuple identifies one connection: its local and remote endpoints.
type fourTuple struct {
	local, remote netip.AddrPort
}

// Option configures a Stack at construction.
type Option func(*Stack)

// WithLog attaches a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(s *Stack) { s.log = log }
}

// WithChecksumOffload skips computing the TCP checksum on egress and
// validating it on ingress, trusting the driver/NIC, per the config's
// tcp_checksum_offload flag. Unlike UDP, a zero checksum field is
// never a valid opt-out on the wire: offload is a Stack-wide decision,
// not a per-segment one.
func WithChecksumOffload() Option {
	return func(s *Stack) { s.checksumOffload = true }
}

// WithRTORange overrides the Jacobson/Karn estimator's clamp bounds.
func WithRTORange(min, max time.Duration) Option {
	return func(s *Stack) { s.rtoMin, s.rtoMax = min, max }
}

// WithLinger overrides how long a connection stays in TimeWait.
func WithLinger(d time.Duration) Option {
	return func(s *Stack) { s.linger = d }
}

// WithDelayedACK overrides how long the receiver holds a data-only ACK
// hoping an outbound segment will piggyback it first.
func WithDelayedACK(d time.Duration) Option {
	return func(s *Stack) { s.delayedACK = d }
}

// WithCongestionController overrides the congestion controller built for
// every new connection's Socket, the stack's one point of dynamic
// dispatch over the cc.Controller contract.
func WithCongestionController(newController func(mss uint32) cc.Controller) Option {
	return func(s *Stack) { s.newController = newController }
}

// Stack demuxes inbound TCP segments to the Socket owning their
// four-tuple, or to a Listener bound to the destination port for an
// unmatched SYN, and is where Connect and Listen create new
// connections. It owns a runtime.Runtime reference so that Connect and
// an accepted connection's background coroutines can be registered the
// moment a Socket exists, without the caller wiring them up by hand.
type Stack struct {
	log             *zap.SugaredLogger
	ipv4            *ipv4.Peer
	rt              *runtime.Runtime
	clock           *runtime.Clock
	checksumOffload bool
	rtoMin, rtoMax  time.Duration
	linger          time.Duration
	delayedACK      time.Duration
	newController   func(mss uint32) cc.Controller

	mu            sync.Mutex
	nextEphemeral uint16
	nextISS       uint32
	conns         map[fourTuple]*Socket
	listeners     map[uint16]*Listener
	localPortRefs map[uint16]int // ephemeral ports Connect has assigned, refcounted by open connection

	inflight []scheduler.Future // RST replies to segments with no matching connection
}

// NewStack constructs a Stack bound to ipv4Peer, registers it as the
// IPv4 TCP protocol handler, and registers its own background
// coroutine (RST delivery for unmatched segments) with rt. It shares
// rt's clock, since every connection's retransmit and linger timers
// must be armed against the same clock rt.PollScheduler ticks.
func NewStack(ipv4Peer *ipv4.Peer, rt *runtime.Runtime, opts ...Option) *Stack {
	s := &Stack{
		log:           zap.NewNop().Sugar(),
		ipv4:          ipv4Peer,
		rt:            rt,
		clock:         rt.Clock(),
		rtoMin:        200 * time.Millisecond,
		rtoMax:        60 * time.Second,
		linger:        2 * time.Minute,
		delayedACK:    40 * time.Millisecond,
		newController: cc.NewReno,
		nextEphemeral: firstEphemeralPort,
		conns:         make(map[fourTuple]*Socket),
		listeners:     make(map[uint16]*Listener),
		localPortRefs: make(map[uint16]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	ipv4Peer.RegisterHandler(ipv4.ProtocolTCP, s)
	rt.InsertBackground("tcp-stack-rst", s.background())
	return s
}

// Receive implements ipv4.Handler. It validates the segment, then
// dispatches to an established connection by four-tuple, or to a
// listener by destination port for a bare SYN; anything else unmatched
// draws a RST, matching a real TCP stack's response to a segment for a
// connection it has no record of.
func (s *Stack) Receive(header ipv4.Header, payload *pbuf.Buf) error {
	defer payload.Drop()

	data := payload.Bytes()
	hdr, headerLen, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if !s.checksumOffload {
		if sum := pseudoChecksum(header.Src, header.Dst, data); sum != 0 {
			return errno.Wrap(errno.EINVAL, "tcp: checksum mismatch")
		}
	}
	body := data[headerLen:]

	local := netip.AddrPortFrom(header.Dst, hdr.DstPort)
	remote := netip.AddrPortFrom(header.Src, hdr.SrcPort)
	tuple := fourTuple{local: local, remote: remote}

	s.mu.Lock()
	sock, ok := s.conns[tuple]
	s.mu.Unlock()
	if ok {
		sock.receive(hdr, append([]byte(nil), body...))
		if l := sock.listener(); l != nil {
			l.tryPromote(sock)
		}
		return nil
	}

	if hdr.Flags.Has(FlagRST) {
		return nil // never RST a RST
	}

	s.mu.Lock()
	listener, ok := s.listeners[local.Port()]
	s.mu.Unlock()
	if !ok {
		s.sendRST(local, remote, hdr)
		return errno.Errorf(errno.ENOTCONN, "tcp: no connection or listener for %s", local)
	}

	if !hdr.Flags.Has(FlagSYN) || hdr.Flags.Has(FlagACK) {
		s.sendRST(local, remote, hdr)
		return errno.Errorf(errno.EINVAL, "tcp: unexpected segment for listening port %d", local.Port())
	}

	s.acceptSYN(listener, local, remote, hdr)
	return nil
}

// Unreachable implements icmp.UnreachableHandler: a Destination
// Unreachable naming one of this stack's connections aborts it with
// EHOSTUNREACH, surfacing through its pending waiters. Messages for
// flows this stack has no record of are ignored.
func (s *Stack) Unreachable(proto ipv4.Protocol, local, remote netip.AddrPort) {
	if proto != ipv4.ProtocolTCP {
		return
	}
	s.mu.Lock()
	sock, ok := s.conns[fourTuple{local: local, remote: remote}]
	s.mu.Unlock()
	if !ok {
		return
	}
	sock.abort(errno.Errorf(errno.EHOSTUNREACH, "tcp: %s unreachable", remote))
}

// acceptSYN creates the passive-open Socket for an inbound SYN,
// transitions it straight to SynRcvd with its SYN-ACK already queued,
// and registers its background coroutines so the handshake completes
// without Accept needing to be called first.
func (s *Stack) acceptSYN(l *Listener, local, remote netip.AddrPort, hdr Header) {
	iss := s.nextISSNum()
	sock := newSocket(s, s.clock, local, remote, iss, s.linger)
	sock.rtoEst = newRTOEstimator(s.rtoMin, s.rtoMax)
	sock.cc = s.newController(sock.mss)
	sock.delayedACK = s.delayedACK
	sock.rcvNxt = hdr.Seq + 1
	if hdr.HasMSS && uint32(hdr.MSS) < sock.mss {
		sock.mss = uint32(hdr.MSS)
	}
	if hdr.HasScale {
		sock.sndWndScale = min(hdr.Scale, 14)
	}
	sock.state = StateSynRcvd
	sock.retransmitQ = append(sock.retransmitQ, &segment{seq: iss, flags: FlagSYN | FlagACK})
	sock.sndWriteSeq = iss + 1
	sock.setListener(l)

	s.mu.Lock()
	s.conns[fourTuple{local: local, remote: remote}] = sock
	s.mu.Unlock()

	s.insertSocketCoroutines(sock)
}

func (s *Stack) insertSocketCoroutines(sock *Socket) {
	tag := sock.remote.String()
	s.rt.InsertBackground("tcp-sender-"+tag, sock.Sender())
	s.rt.InsertBackground("tcp-retransmitter-"+tag, sock.Retransmitter())
	s.rt.InsertBackground("tcp-acknowledger-"+tag, sock.Acknowledger())
}

// Listen registers a Listener bound to port. Listening on a port
// already bound returns EINVAL.
func (s *Stack) Listen(port uint16) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.listeners[port]; taken {
		return nil, errno.Errorf(errno.EINVAL, "tcp: port %d already listening", port)
	}
	l := &Listener{stack: s, port: port}
	s.listeners[port] = l
	return l, nil
}

// forget removes sock's connection table entry, freeing its four-tuple
// (and, for an active-open connection, its ephemeral local port) for
// reuse. Each of a connection's three coroutines calls it as soon as it
// notices StateClosed, so the first call removes the entry; deleting an
// already-absent key is harmless.
func (s *Stack) forget(sock *Socket) {
	s.mu.Lock()
	delete(s.conns, fourTuple{local: sock.local, remote: sock.remote})
	s.mu.Unlock()
	if sock.ephemeralLocalPort {
		s.releasePort(sock.local.Port())
	}
}

func (s *Stack) unlisten(port uint16) {
	s.mu.Lock()
	delete(s.listeners, port)
	s.mu.Unlock()
}

// Connect initiates an active open to remote, resolving once the
// three-way handshake reaches Established, the peer refuses or resets
// the attempt, or timeout elapses.
func (s *Stack) Connect(remote netip.AddrPort, timeout time.Duration) scheduler.Future {
	s.mu.Lock()
	localPort, err := s.allocatePortLocked()
	if err != nil {
		s.mu.Unlock()
		return immediateErrFuture(err)
	}
	iss := s.nextISSNumLocked()
	local := netip.AddrPortFrom(s.ipv4.LocalAddr(), localPort)
	sock := newSocket(s, s.clock, local, remote, iss, s.linger)
	sock.rtoEst = newRTOEstimator(s.rtoMin, s.rtoMax)
	sock.cc = s.newController(sock.mss)
	sock.delayedACK = s.delayedACK
	sock.state = StateSynSent
	sock.retransmitQ = append(sock.retransmitQ, &segment{seq: iss, flags: FlagSYN})
	sock.sndWriteSeq = iss + 1
	sock.ephemeralLocalPort = true
	s.conns[fourTuple{local: local, remote: remote}] = sock
	s.mu.Unlock()

	s.insertSocketCoroutines(sock)

	return runtime.SelectWithTimeout(s.clock, sock.waitConnect(), timeout)
}

func (s *Stack) nextISSNum() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextISSNumLocked()
}

// nextISSNumLocked hands out a spread-out initial sequence number:
// real stacks derive theirs from a clock so successive connections to
// the same peer don't reuse sequence space. s.mu must be held.
func (s *Stack) nextISSNumLocked() uint32 {
	s.nextISS += 1 + uint32(s.clock.Now()&0xffff)
	return s.nextISS
}

// allocatePortLocked hands out a fresh local port for Connect. s.mu
// must be held.
func (s *Stack) allocatePortLocked() (uint16, error) {
	if allocator, ok := physical.EphemeralPortSet(s.ipv4.Driver()); ok {
		return allocator.AllocateEphemeralPort()
	}
	for i := 0; i < 1<<16; i++ {
		port := s.nextEphemeral
		s.nextEphemeral++
		if s.nextEphemeral == 0 {
			s.nextEphemeral = firstEphemeralPort
		}
		if port == 0 {
			continue
		}
		if s.localPortRefs[port] == 0 {
			s.localPortRefs[port] = 1
			return port, nil
		}
	}
	return 0, errno.Wrap(errno.ENOBUFS, "tcp: no ephemeral ports available")
}

// releasePort frees a port Connect previously allocated, once its
// connection has fully torn down.
func (s *Stack) releasePort(port uint16) {
	if allocator, ok := physical.EphemeralPortSet(s.ipv4.Driver()); ok {
		allocator.ReleaseEphemeralPort(port)
		return
	}
	s.mu.Lock()
	delete(s.localPortRefs, port)
	s.mu.Unlock()
}

// sendRST composes and queues a reset in response to an unmatched
// segment, using the Stack's own inflight list since no Socket owns
// this exchange.
func (s *Stack) sendRST(local, remote netip.AddrPort, hdr Header) {
	var seq, ack uint32
	var flags Flag = FlagRST
	if hdr.Flags.Has(FlagACK) {
		seq = hdr.Ack
	} else {
		ack = hdr.Seq + uint32(1)
		flags |= FlagACK
	}
	reply := Header{SrcPort: local.Port(), DstPort: remote.Port(), Seq: seq, Ack: ack, Flags: flags}
	pb, err := s.ipv4.Allocate(reply.MarshaledLen())
	if err != nil {
		return
	}
	out := pb.Bytes()
	reply.Marshal(out)
	if !s.checksumOffload {
		sum := pseudoChecksum(local.Addr(), remote.Addr(), out)
		out[16], out[17] = byte(sum>>8), byte(sum)
	}

	fut := s.ipv4.Transmit(remote.Addr(), ipv4.ProtocolTCP, pb)
	s.mu.Lock()
	s.inflight = append(s.inflight, fut)
	s.mu.Unlock()
}

// background drains the Stack's own RST-reply inflight list, the same
// shape as a connection's coroutines but with nothing to suspend on
// beyond the next poll: RST replies are rare enough not to warrant a
// condition variable of their own.
func (s *Stack) background() scheduler.Future {
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		s.mu.Lock()
		inflight := s.inflight
		s.inflight = nil
		s.mu.Unlock()

		live := inflight[:0]
		for _, fut := range inflight {
			if _, done := fut.Poll(w); !done {
				live = append(live, fut)
			}
		}

		s.mu.Lock()
		s.inflight = append(live, s.inflight...)
		s.mu.Unlock()

		w.WakeByRef()
		return nil, false
	})
}

func immediateErrFuture(err error) scheduler.Future {
	return scheduler.FutureFunc(func(waker.Waker) (any, bool) {
		return err, true
	})
}

// Listener accepts inbound connections bound to one local port. Each
// pending handshake is tracked on its Socket; a connection is handed to
// an Accept waiter once its three-way handshake completes.
type Listener struct {
	stack *Stack
	port  uint16

	mu     sync.Mutex
	ready  []*Socket
	waker  *waker.Waker
	closed bool
}

// Accept resolves to the next connection whose handshake has
// completed, or EBADF if the listener is closed first.
func (l *Listener) Accept() scheduler.Future {
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return errno.Wrap(errno.EBADF, "tcp: accept on a closed listener"), true
		}
		if len(l.ready) > 0 {
			sock := l.ready[0]
			l.ready = l.ready[1:]
			l.mu.Unlock()
			return sock, true
		}
		clone := w.Clone()
		l.waker = &clone
		l.mu.Unlock()
		return nil, false
	})
}

// Close stops accepting new connections on this listener's port. It
// does not affect connections already handed out by Accept.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errno.Wrap(errno.EBADF, "tcp: listener already closed")
	}
	l.closed = true
	w := l.waker
	l.waker = nil
	l.mu.Unlock()
	if w != nil {
		w.Wake()
	}
	l.stack.unlisten(l.port)
	return nil
}

// tryPromote moves sock into the ready queue the first time it is
// observed Established, waking a pending Accept if one is waiting.
func (l *Listener) tryPromote(sock *Socket) {
	if sock.State() != StateEstablished || !sock.markPromoted() {
		return
	}
	l.mu.Lock()
	l.ready = append(l.ready, sock)
	w := l.waker
	l.waker = nil
	l.mu.Unlock()
	if w != nil {
		w.WakeByRef()
	}
}
