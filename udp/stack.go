package udp

import (
	"encoding/binary"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/l3/ipv4"
	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/physical"
)

// firstEphemeralPort is the low end of the range handed out when a
// socket binds without naming a port and the driver has no
// physical.EphemeralPortAllocator of its own, mirroring the common
// Linux ip_local_port_range floor.
const firstEphemeralPort = 32768

// Option configures a Stack at construction.
type Option func(*Stack)

// WithLog attaches a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(s *Stack) { s.log = log }
}

// WithChecksumOffload skips computing the UDP checksum on egress,
// trusting the driver/NIC to fill it in, per the config's
// udp_checksum_offload flag.
func WithChecksumOffload() Option {
	return func(s *Stack) { s.checksumOffload = true }
}

// Stack demuxes incoming UDP datagrams by destination port to the
// Socket bound to it, and is where new sockets are created and bound.
// One Stack registers itself as the ipv4.Peer's UDP handler at
// construction.
type Stack struct {
	log             *zap.SugaredLogger
	ipv4            *ipv4.Peer
	checksumOffload bool

	mu            sync.Mutex
	nextEphemeral uint16
	sockets       map[uint16]*Socket
}

// NewStack constructs a Stack bound to ipv4Peer and registers it as the
// UDP protocol handler.
func NewStack(ipv4Peer *ipv4.Peer, opts ...Option) *Stack {
	s := &Stack{
		log:           zap.NewNop().Sugar(),
		ipv4:          ipv4Peer,
		nextEphemeral: firstEphemeralPort,
		sockets:       make(map[uint16]*Socket),
	}
	for _, opt := range opts {
		opt(s)
	}
	ipv4Peer.RegisterHandler(ipv4.ProtocolUDP, s)
	return s
}

// Receive implements ipv4.Handler: it validates the UDP header and
// checksum, then enqueues the datagram on the socket bound to the
// destination port. A datagram for a port with no bound socket is
// dropped, matching a real UDP stack's silent-drop behavior absent an
// ICMP port-unreachable responder (out of scope).
func (s *Stack) Receive(header ipv4.Header, payload *pbuf.Buf) error {
	defer payload.Drop()

	data := payload.Bytes()
	udpHeader, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if int(udpHeader.Length) != len(data) {
		return errno.Wrap(errno.EINVAL, "udp: length field does not match datagram size")
	}
	// A zero checksum field means the sender opted out of checksumming
	// (a valid UDP/IPv4 feature), so there is nothing to validate.
	// A correct checksum sums to zero, which pseudoChecksum reports in
	// its on-the-wire form 0xffff.
	if recvChecksum := binary.BigEndian.Uint16(data[6:8]); recvChecksum != 0 {
		if sum := pseudoChecksum(header.Src, header.Dst, data); sum != 0xffff {
			return errno.Wrap(errno.EINVAL, "udp: checksum mismatch")
		}
	}

	s.mu.Lock()
	sock, ok := s.sockets[udpHeader.DstPort]
	s.mu.Unlock()
	if !ok {
		return errno.Errorf(errno.ENOTCONN, "udp: no socket bound to port %d", udpHeader.DstPort)
	}

	body := append([]byte(nil), data[HeaderLen:]...)
	sock.enqueue(Datagram{
		Remote:  netip.AddrPortFrom(header.Src, udpHeader.SrcPort),
		Payload: body,
	})
	return nil
}

// Socket creates a new, unbound Socket on this stack.
func (s *Stack) Socket(opts ...SocketOption) *Socket {
	sock := &Socket{
		stack:           s,
		checksumOffload: s.checksumOffload,
	}
	for _, opt := range opts {
		opt(sock)
	}
	return sock
}

// Bind assigns sock the given port (0 picks an ephemeral one) and
// registers it in the demux table. Binding a port already in use returns
// EINVAL; an already-bound socket is rejected before this, by
// Socket.Bind, with EALREADY.
func (s *Stack) bind(sock *Socket, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if port == 0 {
		var err error
		port, err = s.allocatePortLocked()
		if err != nil {
			return err
		}
	} else if _, taken := s.sockets[port]; taken {
		return errno.Errorf(errno.EINVAL, "udp: port %d already bound", port)
	}

	s.sockets[port] = sock
	sock.localPort = port
	sock.bound = true
	return nil
}

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
		if _, taken := s.sockets[port]; !taken {
			return port, nil
		}
	}
	return 0, errno.Wrap(errno.ENOBUFS, "udp: no ephemeral ports available")
}

func (s *Stack) unbind(port uint16) {
	s.mu.Lock()
	if allocator, ok := physical.EphemeralPortSet(s.ipv4.Driver()); ok {
		allocator.ReleaseEphemeralPort(port)
	}
	delete(s.sockets, port)
	s.mu.Unlock()
}
