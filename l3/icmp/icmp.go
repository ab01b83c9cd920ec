// Package icmp implements the ICMPv4 echo responder and prober:
// incoming packets are queued for a background coroutine that answers
// Echo Requests and matches Echo Replies to inflight Ping waiters.
package icmp

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/internal/inetchecksum"
	"github.com/yanet-platform/lightos/l3/ipv4"
	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/runtime"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/waker"
)

// headerLen is the fixed ICMP header size: type, code, checksum, then
// four type-specific bytes (identifier and sequence for Echo, unused
// for Destination Unreachable).
const headerLen = 8

const (
	TypeEchoReply       uint8 = 0
	TypeDestUnreachable uint8 = 3
	TypeEchoRequest     uint8 = 8
)

// UnreachableHandler is notified when a Destination Unreachable message
// arrives naming a connection this host originated. The embedded
// original datagram identifies the flow: local is its source endpoint,
// remote its destination. Implemented by tcp.Stack so an unreachable
// peer fails the connection instead of stalling it until the
// retransmit chain gives up.
type UnreachableHandler interface {
	Unreachable(proto ipv4.Protocol, local, remote netip.AddrPort)
}

// Result is what Ping resolves to: either a round-trip duration or the
// error that prevented measuring one.
type Result struct {
	RTT time.Duration
	Err error
}

type inboundEcho struct {
	typ, code uint8
	id, seq   uint16
	src       netip.Addr
	data      []byte
}

type waiterKey struct {
	id, seq uint16
}

type pingWaiter struct {
	w      waker.Waker
	sentAt int64
	done   bool
	rtt    time.Duration
}

// Option configures a Peer at construction.
type Option func(*Peer)

// WithLog attaches a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(p *Peer) { p.log = log }
}

// Peer answers and issues ICMPv4 Echo messages for one IPv4 peer.
type Peer struct {
	log     *zap.SugaredLogger
	localIP netip.Addr
	ipv4    *ipv4.Peer
	clock   *runtime.Clock

	mu         sync.Mutex
	nextID     uint16
	inbound    []inboundEcho
	drainWaker *waker.Waker
	waiters    map[waiterKey]*pingWaiter
	inflight   []scheduler.Future
	unreach    UnreachableHandler
}

// RegisterUnreachable installs the handler notified for Destination
// Unreachable messages. At most one handler is supported; registering
// again replaces it.
func (p *Peer) RegisterUnreachable(h UnreachableHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unreach = h
}

// NewPeer constructs a Peer and registers it as ipv4Peer's ICMP
// handler.
func NewPeer(localIP netip.Addr, ipv4Peer *ipv4.Peer, clock *runtime.Clock, opts ...Option) *Peer {
	p := &Peer{
		log:     zap.NewNop().Sugar(),
		localIP: localIP,
		ipv4:    ipv4Peer,
		clock:   clock,
		waiters: make(map[waiterKey]*pingWaiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	ipv4Peer.RegisterHandler(ipv4.ProtocolICMP, p)
	return p
}

// Receive implements ipv4.Handler. It validates the ICMP header and
// enqueues the message for Background to process, rather than acting
// on it synchronously, so replying never re-enters the transmit path
// from inside the receive path.
func (p *Peer) Receive(header ipv4.Header, payload *pbuf.Buf) error {
	defer payload.Drop()

	data := payload.Bytes()
	if len(data) < headerLen {
		return errno.Wrap(errno.EINVAL, "icmp: packet shorter than 8 bytes")
	}
	if inetchecksum.Compute(data) != 0 {
		return errno.Wrap(errno.EINVAL, "icmp: checksum mismatch")
	}

	echo := inboundEcho{
		typ:  data[0],
		code: data[1],
		id:   binary.BigEndian.Uint16(data[4:6]),
		seq:  binary.BigEndian.Uint16(data[6:8]),
		src:  header.Src,
		data: append([]byte(nil), data[headerLen:]...),
	}

	p.mu.Lock()
	p.inbound = append(p.inbound, echo)
	w := p.drainWaker
	p.mu.Unlock()
	if w != nil {
		w.WakeByRef()
	}
	return nil
}

// Background returns the coroutine draining the inbound queue: it
// replies to Echo Requests and resolves Ping waiters on Echo Replies.
// It never completes on its own; register it with
// runtime.Runtime.InsertBackground.
func (p *Peer) Background() scheduler.Future {
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		p.mu.Lock()
		if p.drainWaker == nil {
			clone := w.Clone()
			p.drainWaker = &clone
		}
		pending := p.inbound
		p.inbound = nil
		p.mu.Unlock()

		for _, echo := range pending {
			p.handle(echo)
		}

		live := p.inflight[:0]
		for _, fut := range p.inflight {
			if _, done := fut.Poll(w); !done {
				live = append(live, fut)
			}
		}
		p.inflight = live

		return nil, false
	})
}

func (p *Peer) handle(echo inboundEcho) {
	switch echo.typ {
	case TypeEchoRequest:
		if fut := p.reply(echo); fut != nil {
			p.inflight = append(p.inflight, fut)
		}
	case TypeEchoReply:
		p.resolve(echo)
	case TypeDestUnreachable:
		p.notifyUnreachable(echo)
	}
}

// notifyUnreachable recovers the flow the Destination Unreachable
// message names from its embedded original datagram (IPv4 header plus
// at least the first 8 bytes of transport payload, per RFC 792) and
// hands it to the registered handler. The embedded header cannot go
// through ipv4.ParseHeader: its TotalLen describes the original,
// untruncated datagram, of which only a prefix is echoed back.
func (p *Peer) notifyUnreachable(echo inboundEcho) {
	p.mu.Lock()
	h := p.unreach
	p.mu.Unlock()
	if h == nil {
		return
	}

	embedded := echo.data
	if len(embedded) < ipv4.HeaderLen+4 {
		p.log.Debugw("icmp: truncated destination unreachable, dropping", "len", len(embedded))
		return
	}
	if embedded[0]>>4 != 4 || embedded[0]&0x0f != 5 {
		return
	}
	proto := ipv4.Protocol(embedded[9])
	src := netip.AddrFrom4([4]byte(embedded[12:16]))
	dst := netip.AddrFrom4([4]byte(embedded[16:20]))
	srcPort := binary.BigEndian.Uint16(embedded[ipv4.HeaderLen : ipv4.HeaderLen+2])
	dstPort := binary.BigEndian.Uint16(embedded[ipv4.HeaderLen+2 : ipv4.HeaderLen+4])
	h.Unreachable(proto, netip.AddrPortFrom(src, srcPort), netip.AddrPortFrom(dst, dstPort))
}

func (p *Peer) reply(echo inboundEcho) scheduler.Future {
	pb, err := p.ipv4.Allocate(headerLen + len(echo.data))
	if err != nil {
		p.log.Warnw("icmp: dropping echo reply, allocation failed", "error", err)
		return nil
	}
	out := pb.Bytes()
	out[0] = TypeEchoReply
	out[1] = 0
	out[2], out[3] = 0, 0
	binary.BigEndian.PutUint16(out[4:6], echo.id)
	binary.BigEndian.PutUint16(out[6:8], echo.seq)
	copy(out[headerLen:], echo.data)
	sum := inetchecksum.Compute(out)
	binary.BigEndian.PutUint16(out[2:4], sum)

	return p.ipv4.Transmit(echo.src, ipv4.ProtocolICMP, pb)
}

func (p *Peer) resolve(echo inboundEcho) {
	key := waiterKey{echo.id, echo.seq}
	p.mu.Lock()
	pw, ok := p.waiters[key]
	if ok {
		pw.done = true
		pw.rtt = time.Duration(p.clock.Now() - pw.sentAt)
	}
	p.mu.Unlock()
	if ok {
		pw.w.Wake()
	}
}

// waitForReply is a Future resolving to the matched round-trip
// duration once an Echo Reply carrying key arrives.
func (p *Peer) waitForReply(key waiterKey) scheduler.Future {
	registered := false
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		if !registered {
			p.mu.Lock()
			p.waiters[key] = &pingWaiter{w: w.Clone(), sentAt: p.clock.Now()}
			p.mu.Unlock()
			registered = true
			return nil, false
		}

		p.mu.Lock()
		pw, ok := p.waiters[key]
		var rtt time.Duration
		done := ok && pw.done
		if done {
			rtt = pw.rtt
			delete(p.waiters, key)
		}
		p.mu.Unlock()
		if done {
			return rtt, true
		}
		return nil, false
	})
}

func (p *Peer) allocID() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return p.nextID
}

func (p *Peer) buildEchoRequest(id, seq uint16) (*pbuf.Buf, error) {
	pb, err := p.ipv4.Allocate(headerLen)
	if err != nil {
		return nil, err
	}
	data := pb.Bytes()
	data[0] = TypeEchoRequest
	data[1] = 0
	data[2], data[3] = 0, 0
	binary.BigEndian.PutUint16(data[4:6], id)
	binary.BigEndian.PutUint16(data[6:8], seq)
	sum := inetchecksum.Compute(data)
	binary.BigEndian.PutUint16(data[2:4], sum)
	return pb, nil
}

// Ping sends one Echo Request to dst and resolves once the matching
// Echo Reply arrives or timeout elapses, whichever comes first. A
// timeout resolves with errno.ETIMEDOUT in Result.Err.
func (p *Peer) Ping(dst netip.Addr, timeout time.Duration) scheduler.Future {
	id := p.allocID()
	const seq uint16 = 1
	key := waiterKey{id, seq}

	started := false
	var transmitFut scheduler.Future
	var waitFut scheduler.Future

	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		if !started {
			started = true
			payload, err := p.buildEchoRequest(id, seq)
			if err != nil {
				return Result{Err: err}, true
			}
			transmitFut = p.ipv4.Transmit(dst, ipv4.ProtocolICMP, payload)
		}

		if transmitFut != nil {
			result, done := transmitFut.Poll(w)
			if !done {
				return nil, false
			}
			transmitFut = nil
			if err, ok := result.(error); ok {
				return Result{Err: err}, true
			}
			waitFut = runtime.SelectWithTimeout(p.clock, p.waitForReply(key), timeout)
			return nil, false
		}

		result, done := waitFut.Poll(w)
		if !done {
			return nil, false
		}
		if err, ok := result.(error); ok {
			p.mu.Lock()
			delete(p.waiters, key)
			p.mu.Unlock()
			return Result{Err: err}, true
		}
		return Result{RTT: result.(time.Duration)}, true
	})
}
