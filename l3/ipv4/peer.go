package ipv4

import (
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/internal/xnetip"
	"github.com/yanet-platform/lightos/l2"
	"github.com/yanet-platform/lightos/l3/arp"
	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/physical"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/waker"
)

// Handler demuxes an IPv4 payload for one protocol number. Receive owns
// payload once called: it must Drop it when done.
type Handler interface {
	Receive(h Header, payload *pbuf.Buf) error
}

// Option configures a Peer at construction.
type Option func(*Peer)

// WithLog attaches a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(p *Peer) { p.log = log }
}

// WithTTL overrides the TTL stamped on outgoing packets (default 64).
func WithTTL(ttl uint8) Option {
	return func(p *Peer) { p.ttl = ttl }
}

// WithPrefix installs the interface's IPv4 prefix so ingress also
// accepts datagrams addressed to the subnet's directed broadcast, not
// just the local unicast address and 255.255.255.255.
func WithPrefix(prefix netip.Prefix) Option {
	return func(p *Peer) { p.broadcast = xnetip.BroadcastAddr(prefix) }
}

// limitedBroadcast is 255.255.255.255, accepted on ingress regardless
// of the configured prefix.
var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Peer parses, validates, and demuxes incoming IPv4 datagrams, and
// builds and transmits outgoing ones, resolving the next-hop MAC
// through arp.Peer.
type Peer struct {
	log *zap.SugaredLogger

	localIP   netip.Addr
	broadcast netip.Addr // directed broadcast of the local prefix, unset without WithPrefix
	ep        *l2.Endpoint
	arp       *arp.Peer
	driver    physical.Driver
	ttl       uint8

	mu       sync.Mutex
	nextID   uint16
	handlers map[Protocol]Handler
}

// NewPeer constructs a Peer bound to localIP, transmitting through ep
// and driver and resolving next-hop MACs through arpPeer.
func NewPeer(localIP netip.Addr, ep *l2.Endpoint, arpPeer *arp.Peer, driver physical.Driver, opts ...Option) *Peer {
	p := &Peer{
		log:      zap.NewNop().Sugar(),
		localIP:  localIP,
		ep:       ep,
		arp:      arpPeer,
		driver:   driver,
		ttl:      64,
		handlers: make(map[Protocol]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler installs the demux target for proto. Registering
// again for the same protocol replaces the previous handler.
func (p *Peer) RegisterHandler(proto Protocol, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[proto] = h
}

// Receive parses pb's IPv4 header, strips it, and demuxes the payload
// to the handler registered for the header's protocol. pb is dropped
// if no handler is registered or the header fails to parse.
func (p *Peer) Receive(pb *pbuf.Buf) error {
	header, err := ParseHeader(pb.Bytes())
	if err != nil {
		pb.Drop()
		return err
	}
	if header.Dst != p.localIP && header.Dst != limitedBroadcast && header.Dst != p.broadcast {
		pb.Drop()
		return errno.Errorf(errno.EINVAL, "ipv4: datagram for %s is not ours", header.Dst)
	}
	if err := pb.Adjust(HeaderLen); err != nil {
		pb.Drop()
		return err
	}
	if extra := pb.Len() - (int(header.TotalLen) - HeaderLen); extra > 0 {
		if err := pb.Trim(extra); err != nil {
			pb.Drop()
			return err
		}
	}

	p.mu.Lock()
	handler, ok := p.handlers[header.Protocol]
	p.mu.Unlock()
	if !ok {
		pb.Drop()
		return errno.Errorf(errno.EOPNOTSUPP, "ipv4: no handler for protocol %d", header.Protocol)
	}
	return handler.Receive(header, pb)
}

// Allocate returns a driver buffer sized for an L4 payload of size
// bytes, with headroom reserved for this peer's own header plus
// whatever l2.Endpoint prepends next.
func (p *Peer) Allocate(size int) (*pbuf.Buf, error) {
	return p.driver.Allocate(size)
}

// Driver exposes the underlying physical.Driver so L4 layers can reach
// optional driver capabilities (physical.EphemeralPortSet) without this
// peer having to proxy every one of them individually.
func (p *Peer) Driver() physical.Driver {
	return p.driver
}

// LocalAddr is the IPv4 address this peer is bound to.
func (p *Peer) LocalAddr() netip.Addr {
	return p.localIP
}

func (p *Peer) allocID() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return p.nextID
}

// Transmit resolves dst's MAC address and sends payload as an IPv4
// datagram of the given protocol. payload must have been allocated
// with at least HeaderLen + l2.HeaderLen bytes of headroom (any
// physical.Driver.Allocate buffer qualifies). The returned Future
// resolves to a nil result on success or the error that prevented
// transmission (most commonly the arp.Resolution's EHOSTUNREACH).
func (p *Peer) Transmit(dst netip.Addr, proto Protocol, payload *pbuf.Buf) scheduler.Future {
	resolve := p.arp.Query(dst)
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		result, done := resolve.Poll(w)
		if !done {
			return nil, false
		}
		resolution := result.(arp.Resolution)
		if resolution.Err != nil {
			payload.Drop()
			return resolution.Err, true
		}
		if err := p.send(resolution.MAC, dst, proto, payload); err != nil {
			return err, true
		}
		return nil, true
	})
}

func (p *Peer) send(dstMAC l2.MAC, dst netip.Addr, proto Protocol, payload *pbuf.Buf) error {
	totalLen := payload.Len() + HeaderLen
	if err := payload.Prepend(HeaderLen); err != nil {
		payload.Drop()
		return err
	}
	header := Header{
		TotalLen: uint16(totalLen),
		ID:       p.allocID(),
		TTL:      p.ttl,
		Protocol: proto,
		Src:      p.localIP,
		Dst:      dst,
	}
	header.Marshal(payload.Bytes()[:HeaderLen])

	if err := p.ep.Prepend(payload, dstMAC, l2.EtherTypeIPv4); err != nil {
		payload.Drop()
		return err
	}
	return p.driver.Transmit(payload)
}
