package udp

import (
	"net/netip"
	"sync"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/l3/ipv4"
	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/waker"
)

// Datagram is one entry in a Socket's receive queue: the datagram's
// source and its payload bytes.
type Datagram struct {
	Remote  netip.AddrPort
	Payload []byte
}

// SocketOption configures a Socket at construction.
type SocketOption func(*Socket)

// WithSocketChecksumOffload overrides the stack-wide checksum-offload
// setting for one socket.
func WithSocketChecksumOffload(enabled bool) SocketOption {
	return func(s *Socket) { s.checksumOffload = enabled }
}

// Socket is one bound UDP endpoint: a local port, a checksum-offload
// flag, and a receive queue of inbound datagrams.
type Socket struct {
	stack           *Stack
	checksumOffload bool

	mu        sync.Mutex
	localPort uint16
	bound     bool
	closed    bool
	queue     []Datagram
	waker     *waker.Waker
}

// Bind assigns port to this socket (0 picks an ephemeral port) and
// makes it reachable for incoming datagrams.
func (s *Socket) Bind(port uint16) error {
	s.mu.Lock()
	if s.bound {
		s.mu.Unlock()
		return errno.Wrap(errno.EALREADY, "udp: socket already bound")
	}
	s.mu.Unlock()
	return s.stack.bind(s, port)
}

// LocalAddr returns the bound local address, or the zero AddrPort if
// Bind has not been called.
func (s *Socket) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(s.stack.ipv4.LocalAddr(), s.localPort)
}

func (s *Socket) enqueue(dg Datagram) {
	s.mu.Lock()
	s.queue = append(s.queue, dg)
	w := s.waker
	s.waker = nil
	s.mu.Unlock()
	if w != nil {
		w.WakeByRef()
	}
}

// Push builds a UDP datagram addressed to remote from payload and hands
// it to L3 for transmit-and-wait. payload must come from
// ipv4.Peer.Allocate (or a buffer with equivalent headroom). Push
// requires a bound local address: an unbound socket resolves to
// ENOTCONN, distinct from a malformed remote address resolving to
// EINVAL.
func (s *Socket) Push(remote netip.AddrPort, payload *pbuf.Buf) scheduler.Future {
	s.mu.Lock()
	bound := s.bound
	closed := s.closed
	localPort := s.localPort
	checksumOffload := s.checksumOffload
	s.mu.Unlock()

	if closed {
		payload.Drop()
		return immediateError(errno.Wrap(errno.EBADF, "udp: socket is closed"))
	}
	if !bound {
		payload.Drop()
		return immediateError(errno.Wrap(errno.ENOTCONN, "udp: push on an unbound socket"))
	}
	if !remote.IsValid() || remote.Port() == 0 {
		payload.Drop()
		return immediateError(errno.Wrap(errno.EINVAL, "udp: invalid remote address"))
	}

	length := uint16(HeaderLen + payload.Len())
	if err := payload.Prepend(HeaderLen); err != nil {
		payload.Drop()
		return immediateError(err)
	}
	header := Header{SrcPort: localPort, DstPort: remote.Port(), Length: length}
	header.Marshal(payload.Bytes()[:HeaderLen])

	if !checksumOffload {
		sum := pseudoChecksum(s.stack.ipv4.LocalAddr(), remote.Addr(), payload.Bytes())
		payload.Bytes()[6] = byte(sum >> 8)
		payload.Bytes()[7] = byte(sum)
	}

	return s.stack.ipv4.Transmit(remote.Addr(), ipv4.ProtocolUDP, payload)
}

// Pop resolves to the oldest enqueued datagram once one is available,
// truncated to maxSize bytes if the datagram is longer. A
// negative maxSize means no truncation.
func (s *Socket) Pop(maxSize int) scheduler.Future {
	registered := false
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return errno.Wrap(errno.EBADF, "udp: pop on a closed socket"), true
		}
		if len(s.queue) == 0 {
			if !registered {
				clone := w.Clone()
				s.waker = &clone
				registered = true
			}
			s.mu.Unlock()
			return nil, false
		}
		dg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if maxSize >= 0 && len(dg.Payload) > maxSize {
			dg.Payload = dg.Payload[:maxSize]
		}
		return dg, true
	})
}

// Close unbinds the socket and releases its port. Closing an
// already-closed socket returns EBADF.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errno.Wrap(errno.EBADF, "udp: socket already closed")
	}
	s.closed = true
	bound, port := s.bound, s.localPort
	s.mu.Unlock()

	if bound {
		s.stack.unbind(port)
	}
	return nil
}

func immediateError(err error) scheduler.Future {
	return scheduler.FutureFunc(func(waker.Waker) (any, bool) {
		return err, true
	})
}
