package libos

import (
	"net/netip"
	"sync"
	"time"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/tcp"
	"github.com/yanet-platform/lightos/udp"
	"github.com/yanet-platform/lightos/waker"
)

// role is the entry's position in the socket lifecycle: unbound at
// creation, then either a ready-to-use UDP socket or one of the TCP
// states a stream socket passes through on its way to a connection.
type role int

const (
	roleUnbound role = iota
	roleUDP
	roleTCPPending // socket() called; awaiting bind/listen/connect
	roleTCPListener
	roleTCPConn
)

// entry is the I/O queue table's per-QD record: which protocol object,
// if any, this QD currently addresses. It outlives the queue table
// lookup that returns it, since Lookup only ever hands back a
// reference; the runtime stays the table's sole mutator.
type entry struct {
	mu   sync.Mutex
	role role

	localPort uint16
	bound     bool

	udpSock     *udp.Socket
	tcpListener *tcp.Listener
	tcpSock     *tcp.Socket
}

// ResultKind names which completion-result variant a Result carries.
type ResultKind int

const (
	ResultConnect ResultKind = iota
	ResultAccept
	ResultPush
	ResultPop
	ResultClose
	ResultFailed
)

// Result is the value Wait and WaitAny resolve a token to: one of the
// Connect/Accept/Push/Pop/Close/Failed variants, the fields outside
// Kind's relevant subset left zero.
type Result struct {
	Kind ResultKind

	QD   QD             // ResultAccept: the newly accepted connection's QD
	Peer netip.AddrPort // ResultAccept, ResultPop (datagram sockets)

	SGArray SGArray // ResultPop: the popped bytes
	EOF     bool    // ResultPop: peer's FIN has fully drained (TCP only)

	Err error // ResultFailed
}

// opOutcome is what every op's foreground coroutine actually resolves
// to: the Result plus the QD it belongs to, since wait/wait_any
// resolve a bare token to both.
type opOutcome struct {
	qd     QD
	result Result
}

// SGArray is a handle to one scatter-gather buffer, the unit sgaalloc/
// sgafree/push/pop operate on. It wraps a *pbuf.Buf so a push can
// hand the buffer straight to the protocol layer without copying.
type SGArray struct {
	buf *pbuf.Buf
}

// Bytes returns the buffer's current payload, writable in place before
// a push.
func (sga SGArray) Bytes() []byte {
	if sga.buf == nil {
		return nil
	}
	return sga.buf.Bytes()
}

// SGAlloc allocates a fresh scatter-gather buffer of size bytes.
func (lo *LibOS) SGAlloc(size int) (SGArray, error) {
	pb, err := lo.driver.Allocate(size)
	if err != nil {
		return SGArray{}, err
	}
	return SGArray{buf: pb}, nil
}

// SGAFree releases a scatter-gather buffer sgaalloc produced, or one
// returned by a popped Result that the caller is done with.
func (lo *LibOS) SGAFree(sga SGArray) {
	if sga.buf != nil {
		sga.buf.Drop()
	}
}

func sgaFromBytes(data []byte) (SGArray, error) {
	pb, err := pbuf.FromSlice(data)
	if err != nil {
		return SGArray{}, err
	}
	return SGArray{buf: pb}, nil
}

func (lo *LibOS) lookupEntry(qd QD) (*entry, error) {
	v, ok := lo.rt.Queues.Lookup(qd)
	if !ok {
		return nil, errno.Wrap(errno.EBADF, "libos: unknown queue descriptor")
	}
	return v.(*entry), nil
}

// Socket creates a new, unbound queue descriptor of the given type.
// proto is accepted but unused beyond validating af/typ: this
// stack has exactly one transport per SocketType, so there is nothing
// for a protocol number to select between.
func (lo *LibOS) Socket(af AddressFamily, typ SocketType, proto int) (QD, error) {
	if af != AFInet {
		return 0, errno.Wrap(errno.ENOTSUP, "libos: only AFInet is supported")
	}

	e := &entry{}
	switch typ {
	case SockDgram:
		e.role = roleUDP
		e.udpSock = lo.udp.Socket()
	case SockStream:
		e.role = roleTCPPending
	default:
		return 0, errno.Wrap(errno.EINVAL, "libos: unknown socket type")
	}

	return lo.rt.Queues.Register(e), nil
}

// Bind assigns qd's local address. For a datagram socket this
// binds immediately; for a stream socket the port is recorded and
// applied when Listen is called, since this stack's tcp.Stack only
// opens a listener once a backlog is actually wanted.
func (lo *LibOS) Bind(qd QD, addr netip.AddrPort) error {
	e, err := lo.lookupEntry(qd)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.role {
	case roleUDP:
		if err := e.udpSock.Bind(addr.Port()); err != nil {
			return err
		}
		e.bound = true
		e.localPort = addr.Port()
		return nil
	case roleTCPPending:
		if e.bound {
			return errno.Wrap(errno.EALREADY, "libos: socket already bound")
		}
		e.bound = true
		e.localPort = addr.Port()
		return nil
	default:
		return errno.Wrap(errno.ENOTSUP, "libos: bind on a socket in this state")
	}
}

// Listen starts accepting connections on qd's bound port. backlog
// is accepted for API compatibility; this stack's accept queue has no
// fixed capacity of its own, unlike a kernel socket's listen backlog.
func (lo *LibOS) Listen(qd QD, backlog int) error {
	e, err := lo.lookupEntry(qd)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != roleTCPPending || !e.bound {
		return errno.Wrap(errno.ENOTSUP, "libos: listen requires a bound stream socket")
	}
	listener, err := lo.tcp.Listen(e.localPort)
	if err != nil {
		return err
	}
	e.role = roleTCPListener
	e.tcpListener = listener
	return nil
}

// insertOp wraps fut as a foreground coroutine that resolves to an
// opOutcome carrying qd and whatever Result onDone derives from fut's
// raw result, and registers it with the runtime, returning the token
// wait/wait_any consume.
func (lo *LibOS) insertOp(qd QD, name string, fut scheduler.Future, onDone func(any) Result) Token {
	wrapped := scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		raw, done := fut.Poll(w)
		if !done {
			return nil, false
		}
		return opOutcome{qd: qd, result: onDone(raw)}, true
	})
	return lo.rt.InsertForeground(name, wrapped)
}

// immediateOp is insertOp for an operation that is already decided at
// call time (e.g. Close), so it resolves on its very first poll.
func (lo *LibOS) immediateOp(qd QD, name string, result Result) Token {
	fut := scheduler.FutureFunc(func(waker.Waker) (any, bool) {
		return opOutcome{qd: qd, result: result}, true
	})
	return lo.rt.InsertForeground(name, fut)
}

func failedResult(err error) Result { return Result{Kind: ResultFailed, Err: err} }

// Accept resolves to the next completed handshake on a listening qd.
func (lo *LibOS) Accept(qd QD) (Token, error) {
	e, err := lo.lookupEntry(qd)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	if e.role != roleTCPListener {
		e.mu.Unlock()
		return 0, errno.Wrap(errno.ENOTSUP, "libos: accept on a non-listening socket")
	}
	listener := e.tcpListener
	e.mu.Unlock()

	token := lo.insertOp(qd, "accept", listener.Accept(), func(raw any) Result {
		if err, ok := raw.(error); ok {
			return failedResult(err)
		}
		sock := raw.(*tcp.Socket)
		newEntry := &entry{role: roleTCPConn, tcpSock: sock, bound: true, localPort: sock.LocalAddr().Port()}
		newQD := lo.rt.Queues.Register(newEntry)
		return Result{Kind: ResultAccept, QD: newQD, Peer: sock.RemoteAddr()}
	})
	return token, nil
}

// Connect initiates an active open from qd to remote. qd's own
// identity does not change: a successful connect graduates the same
// entry Socket created into a live connection, unlike Accept, which
// always mints a fresh QD.
func (lo *LibOS) Connect(qd QD, remote netip.AddrPort, timeout time.Duration) (Token, error) {
	e, err := lo.lookupEntry(qd)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	if e.role != roleTCPPending {
		e.mu.Unlock()
		return 0, errno.Wrap(errno.ENOTSUP, "libos: connect on a socket not eligible to connect")
	}
	e.mu.Unlock()

	fut := lo.tcp.Connect(remote, timeout)
	token := lo.insertOp(qd, "connect", fut, func(raw any) Result {
		if err, ok := raw.(error); ok {
			return failedResult(err)
		}
		sock := raw.(*tcp.Socket)
		e.mu.Lock()
		e.role = roleTCPConn
		e.tcpSock = sock
		e.mu.Unlock()
		return Result{Kind: ResultConnect}
	})
	return token, nil
}

// Push enqueues data for transmission on a connected stream socket.
// Datagram sockets have no implicit remote and must use PushTo.
func (lo *LibOS) Push(qd QD, sga SGArray) (Token, error) {
	e, err := lo.lookupEntry(qd)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	role := e.role
	sock := e.tcpSock
	e.mu.Unlock()

	if role != roleTCPConn {
		return 0, errno.Wrap(errno.ENOTSUP, "libos: push requires a connected stream socket; use pushto for datagram sockets")
	}

	data := append([]byte(nil), sga.Bytes()...)
	lo.SGAFree(sga)

	token := lo.insertOp(qd, "push", sock.Push(data), func(raw any) Result {
		if err, _ := raw.(error); err != nil {
			return failedResult(err)
		}
		return Result{Kind: ResultPush}
	})
	return token, nil
}

// PushTo sends sga to remote on a datagram socket, binding an
// ephemeral local port first if the socket has none yet.
func (lo *LibOS) PushTo(qd QD, sga SGArray, remote netip.AddrPort) (Token, error) {
	e, err := lo.lookupEntry(qd)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	if e.role != roleUDP {
		e.mu.Unlock()
		return 0, errno.Wrap(errno.ENOTSUP, "libos: pushto on a non-datagram socket")
	}
	if !e.bound {
		if err := e.udpSock.Bind(0); err != nil {
			e.mu.Unlock()
			return 0, err
		}
		e.bound = true
	}
	sock := e.udpSock
	e.mu.Unlock()

	token := lo.insertOp(qd, "pushto", sock.Push(remote, sga.buf), func(raw any) Result {
		if err, _ := raw.(error); err != nil {
			return failedResult(err)
		}
		return Result{Kind: ResultPush}
	})
	return token, nil
}

// Pop resolves to the next available bytes (or, for a stream socket,
// end-of-file) on qd.
func (lo *LibOS) Pop(qd QD, maxSize int) (Token, error) {
	e, err := lo.lookupEntry(qd)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	role := e.role
	udpSock := e.udpSock
	tcpSock := e.tcpSock
	e.mu.Unlock()

	switch role {
	case roleUDP:
		token := lo.insertOp(qd, "pop", udpSock.Pop(maxSize), func(raw any) Result {
			if err, ok := raw.(error); ok {
				return failedResult(err)
			}
			dg := raw.(udp.Datagram)
			sga, err := sgaFromBytes(dg.Payload)
			if err != nil {
				return failedResult(err)
			}
			return Result{Kind: ResultPop, SGArray: sga, Peer: dg.Remote}
		})
		return token, nil
	case roleTCPConn:
		token := lo.insertOp(qd, "pop", tcpSock.Pop(maxSize), func(raw any) Result {
			if err, ok := raw.(error); ok {
				return failedResult(err)
			}
			pr := raw.(tcp.PopResult)
			if pr.EOF {
				return Result{Kind: ResultPop, EOF: true}
			}
			sga, err := sgaFromBytes(pr.Data)
			if err != nil {
				return failedResult(err)
			}
			return Result{Kind: ResultPop, SGArray: sga}
		})
		return token, nil
	default:
		return 0, errno.Wrap(errno.ENOTSUP, "libos: pop on a socket with no receive queue")
	}
}

// Close retires qd. A second close on the same descriptor returns
// EBADF synchronously — there is nothing left to
// wait on once the queue table no longer has an entry for it.
func (lo *LibOS) Close(qd QD) (Token, error) {
	v, ok := lo.rt.Queues.Close(qd)
	if !ok {
		return 0, errno.Wrap(errno.EBADF, "libos: close on an unknown queue descriptor")
	}
	e := v.(*entry)
	e.mu.Lock()
	role := e.role
	udpSock, tcpSock, listener := e.udpSock, e.tcpSock, e.tcpListener
	e.mu.Unlock()

	var closeErr error
	switch role {
	case roleUDP:
		closeErr = udpSock.Close()
	case roleTCPConn:
		closeErr = tcpSock.Close()
	case roleTCPListener:
		closeErr = listener.Close()
	}

	result := Result{Kind: ResultClose}
	if closeErr != nil {
		result = failedResult(closeErr)
	}
	return lo.immediateOp(qd, "close", result), nil
}

// Wait blocks, driving PollScheduler, until token's operation completes
// or timeout elapses. A negative timeout waits indefinitely. A
// timed-out wait leaves the underlying coroutine running; its eventual
// completion stays cached for a later Wait/WaitAny call.
func (lo *LibOS) Wait(token Token, timeout time.Duration) (QD, Result, error) {
	clock := lo.rt.Clock()
	deadline := clock.Now() + int64(timeout)
	for {
		if lo.rt.Completed(token) {
			raw, err := lo.rt.Wait(token)
			if err != nil {
				return 0, Result{}, err
			}
			outcome := raw.(opOutcome)
			return outcome.qd, outcome.result, nil
		}
		if timeout >= 0 && clock.Now() >= deadline {
			return 0, Result{}, errno.Wrap(errno.ETIMEDOUT, "libos: wait timed out")
		}
		lo.rt.PollScheduler()
	}
}

// WaitAny blocks until any one of tokens completes, returning its
// index in tokens along with its QD and Result. Completions of
// other tokens discovered while waiting stay cached in the runtime for
// a later call.
func (lo *LibOS) WaitAny(tokens []Token, timeout time.Duration) (int, QD, Result, error) {
	clock := lo.rt.Clock()
	deadline := clock.Now() + int64(timeout)
	for {
		for i, token := range tokens {
			if !lo.rt.Completed(token) {
				continue
			}
			raw, err := lo.rt.Wait(token)
			if err != nil {
				return i, 0, Result{}, err
			}
			outcome := raw.(opOutcome)
			return i, outcome.qd, outcome.result, nil
		}
		if timeout >= 0 && clock.Now() >= deadline {
			return -1, 0, Result{}, errno.Wrap(errno.ETIMEDOUT, "libos: wait_any timed out")
		}
		lo.rt.PollScheduler()
	}
}
