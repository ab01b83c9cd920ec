package tcp

import (
	"net/netip"
	"sync"
	"time"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/l3/ipv4"
	"github.com/yanet-platform/lightos/runtime"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/tcp/cc"
	"github.com/yanet-platform/lightos/waker"
)

// defaultMSS is the maximum segment size advertised and assumed absent
// a smaller value from the peer's own SYN: a 1500-byte Ethernet MTU
// minus a 20-byte IPv4 header minus a 20-byte TCP header.
const defaultMSS = 1460

// defaultRecvWindow is the receive window this stack advertises: the
// largest value that fits the 16-bit window field. It is static: the
// receive queue is unbounded, so the window never has to shrink.
const defaultRecvWindow = 65535

// PopResult is what Socket.Pop resolves to: either in-order bytes, an
// end-of-file marker once the peer's FIN has been both received and
// fully drained, or an error.
type PopResult struct {
	Data []byte
	EOF  bool
}

// segment is one entry of a connection's retransmission queue: a byte
// range (possibly empty, for a bare SYN/FIN/ACK) plus the control flags
// it carries, consuming one sequence number per SYN or FIN in addition
// to len(data), per RFC 793's SEG.LEN.
type segment struct {
	seq           uint32
	data          []byte
	flags         Flag
	transmitted   bool
	retransmitted bool
	sentAt        int64
}

func (s *segment) seqLen() uint32 {
	n := uint32(len(s.data))
	if s.flags.Has(FlagSYN) {
		n++
	}
	if s.flags.Has(FlagFIN) {
		n++
	}
	return n
}

// Socket is one TCP connection's control block: send and
// receive sequence state, the retransmission queue, the congestion
// controller, out-of-order reassembly, and the connection's state
// machine. Its three background coroutines (Sender, Retransmitter,
// Acknowledger) must be registered with a runtime.Runtime for the
// connection to make any progress; Stack does this for connections it
// creates via Connect or for an inbound SYN on a listening port.
type Socket struct {
	stack  *Stack
	clock  *runtime.Clock
	local  netip.AddrPort
	remote netip.AddrPort
	mss    uint32

	cv *runtime.ConditionVariable

	mu    sync.Mutex
	state State
	err   error // terminal error surfacing through Push/Pop/Connect waiters

	sndUna       uint32 // oldest unacknowledged sequence number
	sndNxt       uint32 // transmit frontier: next sequence number to send
	sndWriteSeq  uint32 // enqueue frontier: next sequence number to assign
	sndISS       uint32
	sndWnd       uint32
	sndWndScale  uint8  // peer's advertised shift, applied to every non-SYN window
	sndWl1       uint32 // seq of the segment that last updated sndWnd
	sndWl2       uint32 // ack of the segment that last updated sndWnd
	persistSince int64  // clock.Now() a zero window with pending data was first observed, 0 if none
	retransmitQ  []*segment
	rtoEst       *rtoEstimator
	rtoDeadline  int64
	rtoArmed     bool
	cc           cc.Controller
	localFINQueued bool

	rcvNxt       uint32
	ooo          map[uint32][]byte
	recvBuf      []byte
	peerClosed   bool // FIN received and sequenced into rcvNxt
	ackPending   bool
	ackImmediate bool  // FIN or handshake ack: skip the delayed-ack timer
	ackDeadline  int64 // when a delayed ack falls due, valid while ackPending
	delayedACK   time.Duration

	closed           bool
	timeWaitDeadline int64
	linger           time.Duration

	listenerRef        *Listener // set for a passively-opened connection
	promoted           bool      // already handed to the owning Listener's ready queue
	ephemeralLocalPort bool      // local port was Stack-allocated (Connect), not a listener's
}

func newSocket(stack *Stack, clock *runtime.Clock, local, remote netip.AddrPort, iss uint32, linger time.Duration) *Socket {
	return &Socket{
		stack:  stack,
		clock:  clock,
		local:  local,
		remote: remote,
		mss:    defaultMSS,
		cv:     runtime.NewConditionVariable(),
		sndISS:      iss,
		sndNxt:      iss,
		sndWriteSeq: iss,
		sndUna:      iss,
		sndWnd: defaultRecvWindow,
		rtoEst: newRTOEstimator(200*time.Millisecond, 60*time.Second),
		cc:     cc.NewReno(defaultMSS),
		ooo:    make(map[uint32][]byte),
		linger: linger,
		delayedACK: 40 * time.Millisecond,
	}
}

// LocalAddr returns the connection's local endpoint.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// RemoteAddr returns the connection's peer endpoint.
func (s *Socket) RemoteAddr() netip.AddrPort { return s.remote }

// State returns the connection's current state machine position.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Push enqueues data for transmission. It resolves as soon as
// data is accepted into the send queue, not once it is acknowledged —
// so a caller pipelining many pushes is not forced to wait a round trip
// between each one.
func (s *Socket) Push(data []byte) scheduler.Future {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return immediateResult(errno.Wrap(errno.EBADF, "tcp: push on a closed socket"))
	}
	if s.state != StateEstablished && s.state != StateCloseWait {
		s.mu.Unlock()
		return immediateResult(errno.Wrap(errno.ENOTCONN, "tcp: push requires an established connection"))
	}
	if s.localFINQueued {
		s.mu.Unlock()
		return immediateResult(errno.Wrap(errno.ENOTCONN, "tcp: push after close"))
	}

	for off := 0; off < len(data); {
		end := min(off+int(s.mss), len(data))
		chunk := append([]byte(nil), data[off:end]...)
		s.retransmitQ = append(s.retransmitQ, &segment{seq: s.sndWriteSeq, data: chunk, flags: FlagACK})
		s.sndWriteSeq += uint32(len(chunk))
		off = end
	}
	s.mu.Unlock()
	s.cv.Broadcast()
	return immediateResult(nil)
}

// Pop resolves once at least one byte is available, an error occurs, or
// the peer's FIN has fully drained the receive buffer.
func (s *Socket) Pop(maxSize int) scheduler.Future {
	var wait scheduler.Future
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		for {
			s.mu.Lock()
			if s.err != nil {
				err := s.err
				s.mu.Unlock()
				return err, true
			}
			if s.closed {
				s.mu.Unlock()
				return errno.Wrap(errno.EBADF, "tcp: pop on a closed socket"), true
			}
			if len(s.recvBuf) > 0 {
				n := len(s.recvBuf)
				if maxSize >= 0 && n > maxSize {
					n = maxSize
				}
				out := append([]byte(nil), s.recvBuf[:n]...)
				s.recvBuf = s.recvBuf[n:]
				s.mu.Unlock()
				return PopResult{Data: out}, true
			}
			if s.peerClosed {
				s.mu.Unlock()
				return PopResult{EOF: true}, true
			}
			s.mu.Unlock()

			if wait == nil {
				wait = s.cv.Wait()
			}
			if _, done := wait.Poll(w); !done {
				return nil, false
			}
			wait = nil
		}
	})
}

// Close begins a graceful shutdown: the connection's FIN is queued
// behind any already-pending data and sent once the retransmit queue
// drains, rather than transmitted synchronously. A second Close
// call returns EBADF immediately, without waiting for teardown to
// finish.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errno.Wrap(errno.EBADF, "tcp: socket already closed")
	}
	s.closed = true
	switch s.state {
	case StateEstablished, StateCloseWait:
		if !s.localFINQueued {
			s.localFINQueued = true
			s.retransmitQ = append(s.retransmitQ, &segment{seq: s.sndWriteSeq, flags: FlagFIN | FlagACK})
			s.sndWriteSeq++
			if s.state == StateEstablished {
				s.state = StateFinWait1
			} else {
				s.state = StateLastAck
			}
		}
	case StateSynSent, StateSynRcvd:
		// No data has been exchanged yet: abort rather than carry the
		// handshake through just to immediately tear it down.
		s.state = StateClosed
	}
	s.mu.Unlock()
	s.cv.Broadcast()
	return nil
}

// setListener records the Listener a passively-opened connection was
// created from, so the Stack's demux can promote it into the accept
// queue once its handshake completes.
func (s *Socket) setListener(l *Listener) {
	s.mu.Lock()
	s.listenerRef = l
	s.mu.Unlock()
}

func (s *Socket) listener() *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenerRef
}

// markPromoted reports whether this is the first call to observe the
// connection Established, so Listener.tryPromote enqueues it exactly
// once.
func (s *Socket) markPromoted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promoted {
		return false
	}
	s.promoted = true
	return true
}

// waitConnect resolves once the connection leaves SynSent: to the
// Socket itself once Established, or an error if the peer reset the
// attempt or it was aborted locally before completing.
func (s *Socket) waitConnect() scheduler.Future {
	var wait scheduler.Future
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		for {
			s.mu.Lock()
			switch {
			case s.err != nil:
				err := s.err
				s.mu.Unlock()
				return err, true
			case s.state == StateEstablished:
				s.mu.Unlock()
				return s, true
			case s.state == StateClosed:
				s.mu.Unlock()
				return errno.Wrap(errno.ECONNREFUSED, "tcp: connection refused"), true
			}
			s.mu.Unlock()

			if wait == nil {
				wait = s.cv.Wait()
			}
			if _, done := wait.Poll(w); !done {
				return nil, false
			}
			wait = nil
		}
	})
}

func immediateResult(err error) scheduler.Future {
	return scheduler.FutureFunc(func(waker.Waker) (any, bool) {
		return err, true
	})
}

// abort moves the connection to its error-reporting terminal state:
// err surfaces through every pending and future Push, Pop, Connect and
// Close waiter. A connection already terminal keeps its first error.
func (s *Socket) abort(err error) {
	s.mu.Lock()
	if s.state == StateClosed && s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.state = StateClosed
	s.mu.Unlock()
	s.cv.Broadcast()
}

// scheduleAck records that an ACK is owed. A window-significant event
// (FIN, handshake completion) is acknowledged on the Acknowledger's
// next poll; plain data arms the delayed-ack timer instead, giving an
// outbound segment a window to piggyback the ack first. s.mu must be
// held.
func (s *Socket) scheduleAck(immediate bool) {
	if immediate {
		s.ackImmediate = true
	}
	if !s.ackPending {
		s.ackPending = true
		s.ackDeadline = s.clock.Now() + int64(s.delayedACK)
	}
}

// --- inbound segment processing, invoked under Stack's demux lock ---

// receive applies one inbound segment to the connection, mutating
// state and recording any ACK it owes via scheduleAck, and wakes
// waiters whose condition may now hold. It never transmits directly:
// Sender and Acknowledger do.
func (s *Socket) receive(h Header, payload []byte) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.cv.Broadcast()
	}()

	if h.Flags.Has(FlagRST) {
		s.err = errno.Wrap(errno.ECONNRESET, "tcp: connection reset by peer")
		s.state = StateClosed
		return
	}

	switch s.state {
	case StateSynSent:
		if !h.Flags.Has(FlagSYN) {
			return
		}
		s.rcvNxt = h.Seq + 1
		if h.HasMSS && uint32(h.MSS) < s.mss {
			s.mss = uint32(h.MSS)
		}
		if h.HasScale {
			// The shift is bounded at 14 per RFC 1323, keeping the
			// scaled window within its 1 GiB ceiling.
			s.sndWndScale = min(h.Scale, 14)
		}
		if !h.Flags.Has(FlagACK) || h.Ack != s.sndNxt {
			// Simultaneous open (a bare SYN with no ACK) is not
			// supported: Connect always initiates, so a real peer
			// only ever replies with SYN-ACK.
			return
		}
		s.ackSegments(h.Ack)
		s.sndUna = h.Ack
		s.sndWnd = uint32(h.Window)
		s.sndWl1 = h.Seq
		s.sndWl2 = h.Ack
		s.state = StateEstablished
		s.scheduleAck(true)
		return
	case StateSynRcvd:
		if h.Flags.Has(FlagACK) && h.Ack == s.sndNxt {
			s.ackSegments(h.Ack)
			s.sndUna = h.Ack
			s.sndWnd = uint32(h.Window) << s.sndWndScale
			s.sndWl1 = h.Seq
			s.sndWl2 = h.Ack
			s.state = StateEstablished
		}
		return
	}

	// Established and beyond: accept in-window data, track FIN.
	if len(payload) > 0 {
		s.receiveData(h.Seq, payload)
	}
	if h.Flags.Has(FlagFIN) {
		finSeq := h.Seq + uint32(len(payload))
		if finSeq == s.rcvNxt {
			s.rcvNxt++
			s.peerClosed = true
			s.scheduleAck(true)
			switch s.state {
			case StateEstablished:
				s.state = StateCloseWait
			case StateFinWait1:
				s.state = StateClosing
			case StateFinWait2:
				s.enterTimeWait()
			}
		}
	}
	if h.Flags.Has(FlagACK) {
		s.handleAck(h)
	}
}

// handleAck folds one inbound segment's ACK into send sequence state:
// advancing snd_una over newly-acknowledged data, and applying the
// RFC 793 window update rule so snd_wnd only ever moves in response to
// a segment at least as new (by seq, tie-broken by ack) as the one
// that set it last — an older, reordered segment's window never
// overwrites a more current advertisement.
func (s *Socket) handleAck(h Header) {
	ack := h.Ack
	if seqGT(ack, s.sndNxt) {
		return // acks something not yet sent
	}
	if seqGT(ack, s.sndUna) {
		s.ackSegments(ack)
		s.sndUna = ack
	}
	if seqLT(s.sndWl1, h.Seq) || (s.sndWl1 == h.Seq && seqLEQ(s.sndWl2, ack)) {
		s.sndWnd = uint32(h.Window) << s.sndWndScale
		s.sndWl1 = h.Seq
		s.sndWl2 = ack
	}
	switch s.state {
	case StateFinWait1:
		if s.sndUna == s.sndNxt {
			s.state = StateFinWait2
		}
	case StateClosing:
		if s.sndUna == s.sndNxt {
			s.enterTimeWait()
		}
	case StateLastAck:
		if s.sndUna == s.sndNxt {
			s.state = StateClosed
		}
	}
}

func (s *Socket) enterTimeWait() {
	s.state = StateTimeWait
	s.timeWaitDeadline = s.clock.Now() + int64(s.linger)
}

// ackSegments removes fully-acknowledged segments from the
// retransmission queue, feeds the RTO estimator one sample per
// newly-acked segment, per Karn's rule (only a segment that was never
// retransmitted yields a usable RTT sample), and reports the acked data
// bytes to the congestion controller.
func (s *Socket) ackSegments(ack uint32) {
	var ackedBytes uint32
	i := 0
	for ; i < len(s.retransmitQ); i++ {
		seg := s.retransmitQ[i]
		end := seg.seq + seg.seqLen()
		if !seqGEQ(ack, end) {
			break
		}
		ackedBytes += uint32(len(seg.data))
		if seg.transmitted && !seg.retransmitted {
			// Karn's rule: only an unambiguous sample (never
			// retransmitted) feeds the RTO estimator.
			s.rtoEst.Sample(time.Duration(s.clock.Now() - seg.sentAt))
		}
	}
	if i > 0 {
		s.retransmitQ = s.retransmitQ[i:]
		s.rtoArmed = len(s.retransmitQ) > 0 && s.retransmitQ[0].transmitted
		if s.rtoArmed {
			s.rtoDeadline = s.clock.Now() + int64(s.rtoEst.RTO())
		}
	}
	if ackedBytes > 0 {
		s.cc.OnAck(ackedBytes, 0)
	}
}

// receiveData sequences an inbound byte range into the receive buffer,
// holding out-of-order data in ooo until the gap before it closes. A
// retransmitted copy of a segment already sitting in ooo is dropped.
func (s *Socket) receiveData(seq uint32, data []byte) {
	if seqLT(seq, s.rcvNxt) {
		skip := s.rcvNxt - seq
		if skip >= uint32(len(data)) {
			return
		}
		seq += skip
		data = data[skip:]
	}
	if seq == s.rcvNxt {
		s.recvBuf = append(s.recvBuf, data...)
		s.rcvNxt += uint32(len(data))
		for {
			next, ok := s.ooo[s.rcvNxt]
			if !ok {
				break
			}
			delete(s.ooo, s.rcvNxt)
			s.recvBuf = append(s.recvBuf, next...)
			s.rcvNxt += uint32(len(next))
		}
		s.scheduleAck(false)
		return
	}

	if _, exists := s.ooo[seq]; !exists {
		s.ooo[seq] = append([]byte(nil), data...)
	}
	s.scheduleAck(false)
}

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }
func seqGEQ(a, b uint32) bool { return int32(a-b) >= 0 }

// --- background coroutines ---

// pollInflight polls every in-progress transmit Future once, keeping
// only those still unresolved, the same "own inflight slice" pattern
// icmp.Peer.Background uses for its replies.
func pollInflight(inflight []scheduler.Future, w waker.Waker) []scheduler.Future {
	live := inflight[:0]
	for _, fut := range inflight {
		if _, done := fut.Poll(w); !done {
			live = append(live, fut)
		}
	}
	return live
}

// pollSenderInflight polls every in-progress transmit, same as
// pollInflight, but additionally surfaces a transmit failure (e.g. the
// peer is unroutable and ARP resolution failed) as a connection-ending
// error while the handshake is still outstanding, so a failed Connect
// resolves promptly instead of waiting out the full RTO backoff chain.
func (s *Socket) pollSenderInflight(inflight []scheduler.Future, w waker.Waker) []scheduler.Future {
	live := inflight[:0]
	for _, fut := range inflight {
		result, done := fut.Poll(w)
		if !done {
			live = append(live, fut)
			continue
		}
		if err, _ := result.(error); err != nil {
			s.mu.Lock()
			if s.state == StateSynSent || s.state == StateSynRcvd {
				s.err = err
				s.state = StateClosed
			}
			s.mu.Unlock()
			s.cv.Broadcast()
		}
	}
	return live
}

// checkPersistTimeout tracks how long the peer's advertised window has
// stood at zero while data sits unsent, and declares the connection
// dead once the stall outlasts the RTO estimator's upper bound, the
// stand-in for a dedicated persist timer. s.mu must be held; it is
// left held on return.
func (s *Socket) checkPersistTimeout() bool {
	hasPending := false
	for _, seg := range s.retransmitQ {
		if !seg.transmitted {
			hasPending = true
			break
		}
	}
	if s.sndWnd > 0 || !hasPending {
		s.persistSince = 0
		return false
	}
	now := s.clock.Now()
	if s.persistSince == 0 {
		s.persistSince = now
		return false
	}
	if time.Duration(now-s.persistSince) <= s.rtoEst.Max() {
		return false
	}
	s.err = errno.Wrap(errno.ETIMEDOUT, "tcp: zero window outlasted persist timeout")
	s.state = StateClosed
	return true
}

// Sender drains untransmitted segments from the retransmit queue, one
// connection's worth per poll, respecting the lesser of the congestion
// window and the peer's advertised window, and arms the retransmit
// timer for the oldest unacknowledged segment once anything goes out.
// Between rounds it suspends on the connection's condition variable,
// which Push, Close, and inbound ACK processing all broadcast.
func (s *Socket) Sender() scheduler.Future {
	var inflight []scheduler.Future
	var wait scheduler.Future
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		inflight = s.pollSenderInflight(inflight, w)

		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			s.stack.forget(s)
			return nil, true
		}

		if timedOut := s.checkPersistTimeout(); timedOut {
			s.mu.Unlock()
			s.cv.Broadcast()
			s.stack.forget(s)
			return nil, true
		}

		var toSend []*segment
		inflightBytes := s.sndNxt - s.sndUna
		allowed := min32(s.cc.Cwnd(), s.sndWnd)
		for _, seg := range s.retransmitQ {
			if seg.transmitted {
				continue
			}
			segLen := seg.seqLen()
			if inflightBytes > 0 && inflightBytes+segLen > allowed {
				break
			}
			if inflightBytes == 0 && s.sndWnd == 0 {
				// A closed advertised window blocks even the first
				// segment; an empty congestion window does not, since
				// cwnd starts at one MSS and is never driven to zero.
				break
			}
			seg.transmitted = true
			seg.sentAt = s.clock.Now()
			toSend = append(toSend, seg)
			inflightBytes += segLen
			s.sndNxt += segLen
			if !s.rtoArmed {
				s.rtoArmed = true
				s.rtoDeadline = s.clock.Now() + int64(s.rtoEst.RTO())
			}
		}
		local, remote, rcvNxt, rcvWnd := s.local, s.remote, s.rcvNxt, uint16(defaultRecvWindow)
		s.mu.Unlock()

		for _, seg := range toSend {
			if fut := s.transmitSegment(seg, local, remote, rcvNxt, rcvWnd); fut != nil {
				inflight = append(inflight, fut)
			}
		}

		if len(toSend) > 0 {
			w.WakeByRef()
			return nil, false
		}

		if wait == nil {
			wait = s.cv.Wait()
		}
		if _, done := wait.Poll(w); done {
			wait = nil
			w.WakeByRef()
		}
		return nil, false
	})
}

// Retransmitter watches the oldest unacknowledged segment's retransmit
// deadline, arming a clock wake for it rather than busy-polling every
// scheduler iteration, and on expiry reports the loss to the congestion
// controller, doubles the backoff, and resends just that one oldest
// segment rather than the whole outstanding window.
func (s *Socket) Retransmitter() scheduler.Future {
	var inflight []scheduler.Future
	var wait scheduler.Future
	armed := false
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		inflight = pollInflight(inflight, w)

		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			s.stack.forget(s)
			return nil, true
		}
		if !s.rtoArmed || len(s.retransmitQ) == 0 {
			s.mu.Unlock()
			armed = false
			if wait == nil {
				wait = s.cv.Wait()
			}
			if _, done := wait.Poll(w); done {
				wait = nil
				w.WakeByRef()
			}
			return nil, false
		}

		if s.clock.Now() < s.rtoDeadline {
			if !armed {
				armed = true
				s.clock.Arm(s.rtoDeadline, w.Clone())
			}
			s.mu.Unlock()
			return nil, false
		}
		armed = false

		seg := s.retransmitQ[0]
		s.rtoEst.Timeout()
		s.cc.OnLoss()
		seg.retransmitted = true
		seg.sentAt = s.clock.Now()
		s.rtoDeadline = s.clock.Now() + int64(s.rtoEst.RTO())
		local, remote, rcvNxt := s.local, s.remote, s.rcvNxt
		s.mu.Unlock()

		if fut := s.transmitSegment(seg, local, remote, rcvNxt, uint16(defaultRecvWindow)); fut != nil {
			inflight = append(inflight, fut)
		}
		w.WakeByRef()
		return nil, false
	})
}

// Acknowledger sends a standalone ACK whenever inbound processing has
// set ackPending (the Sender's own segments always carry the current
// ack number, so this only fires for gaps between data transmissions),
// and drives the TimeWait linger timer to its final Closed transition.
func (s *Socket) Acknowledger() scheduler.Future {
	var inflight []scheduler.Future
	var wait scheduler.Future
	timerArmed := false
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		inflight = pollInflight(inflight, w)

		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			s.stack.forget(s)
			return nil, true
		}
		if s.state == StateTimeWait {
			if !timerArmed {
				timerArmed = true
				s.clock.Arm(s.timeWaitDeadline, w.Clone())
			}
			becameClosed := false
			if s.clock.Now() >= s.timeWaitDeadline {
				s.state = StateClosed
				becameClosed = true
			}
			// The ACK owed for the peer's FIN still goes out from TimeWait.
			finalAck := s.ackPending
			s.ackPending, s.ackImmediate = false, false
			local, remote, seq, rcvNxt := s.local, s.remote, s.sndNxt, s.rcvNxt
			s.mu.Unlock()
			if finalAck {
				hdr := Header{SrcPort: local.Port(), DstPort: remote.Port(), Seq: seq, Ack: rcvNxt, Flags: FlagACK, Window: uint16(defaultRecvWindow)}
				if fut := s.transmitHeader(hdr, local, remote); fut != nil {
					inflight = append(inflight, fut)
				}
				w.WakeByRef()
			}
			if becameClosed {
				s.cv.Broadcast()
			}
			return nil, false
		}

		now := s.clock.Now()
		send := s.ackPending && (s.ackImmediate || now >= s.ackDeadline)
		var armAt int64
		if s.ackPending && !send {
			armAt = s.ackDeadline
		}
		if send {
			s.ackPending, s.ackImmediate = false, false
		}
		local, remote, seq, rcvNxt := s.local, s.remote, s.sndNxt, s.rcvNxt
		s.mu.Unlock()

		if armAt != 0 {
			s.clock.Arm(armAt, w.Clone())
		}
		if send {
			hdr := Header{SrcPort: local.Port(), DstPort: remote.Port(), Seq: seq, Ack: rcvNxt, Flags: FlagACK, Window: uint16(defaultRecvWindow)}
			if fut := s.transmitHeader(hdr, local, remote); fut != nil {
				inflight = append(inflight, fut)
			}
			w.WakeByRef()
			return nil, false
		}

		if wait == nil {
			wait = s.cv.Wait()
		}
		if _, done := wait.Poll(w); done {
			wait = nil
			w.WakeByRef()
		}
		return nil, false
	})
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func (s *Socket) transmitSegment(seg *segment, local, remote netip.AddrPort, rcvNxt uint32, rcvWnd uint16) scheduler.Future {
	hdr := Header{
		SrcPort: local.Port(),
		DstPort: remote.Port(),
		Seq:     seg.seq,
		Ack:     rcvNxt,
		Flags:   seg.flags,
		Window:  rcvWnd,
	}
	if seg.flags.Has(FlagSYN) {
		hdr.HasMSS, hdr.MSS = true, uint16(s.mss)
		hdr.HasScale, hdr.Scale = true, 0
	}
	pb, err := s.stack.ipv4.Allocate(hdr.MarshaledLen() + len(seg.data))
	if err != nil {
		return nil
	}
	out := pb.Bytes()
	copy(out[hdr.MarshaledLen():], seg.data)
	hdr.Marshal(out[:hdr.MarshaledLen()])
	if !s.stack.checksumOffload {
		sum := pseudoChecksum(local.Addr(), remote.Addr(), out)
		out[16], out[17] = byte(sum>>8), byte(sum)
	}
	return s.stack.ipv4.Transmit(remote.Addr(), ipv4.ProtocolTCP, pb)
}

func (s *Socket) transmitHeader(hdr Header, local, remote netip.AddrPort) scheduler.Future {
	pb, err := s.stack.ipv4.Allocate(hdr.MarshaledLen())
	if err != nil {
		return nil
	}
	out := pb.Bytes()
	hdr.Marshal(out)
	if !s.stack.checksumOffload {
		sum := pseudoChecksum(local.Addr(), remote.Addr(), out)
		out[16], out[17] = byte(sum>>8), byte(sum)
	}
	return s.stack.ipv4.Transmit(remote.Addr(), ipv4.ProtocolTCP, pb)
}
