// Package arp maintains the (IPv4 → MAC) resolution cache and answers
// or issues ARP requests over an l2.Endpoint. Concurrent queries for
// the same address coalesce onto one shared pending record — a single
// request train on the wire — and wake together through its condition
// variable once a reply lands.
package arp

import (
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/l2"
	"github.com/yanet-platform/lightos/physical"
	"github.com/yanet-platform/lightos/runtime"
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/waker"
)

// Resolution is the outcome of a Query: either a resolved MAC or the
// error that made resolution fail (typically EHOSTUNREACH).
type Resolution struct {
	MAC l2.MAC
	Err error
}

type cacheEntry struct {
	mac       l2.MAC
	expiresAt int64
}

// pendingQuery is the shared record of one unresolved address: every
// Query future for that address drives and waits on the same record,
// so overlapping queries coalesce into a single request train on the
// wire. Waiters park on cv; Receive broadcasts it when a reply lands.
// All of it runs on the scheduler thread — retransmit deadlines come
// from the runtime clock, never a timer goroutine.
type pendingQuery struct {
	cv         *runtime.ConditionVariable
	backoff    *backoff.ExponentialBackOff
	attempts   int
	nextSendAt int64 // clock time the next (re)transmit falls due
	failed     error // terminal failure, set once attempts are exhausted
}

// Option configures a Peer at construction.
type Option func(*Peer)

// WithLog attaches a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(p *Peer) { p.log = log }
}

// WithTTL overrides the cache entry lifetime (default 20 minutes, the
// common Linux neighbor table default).
func WithTTL(ttl time.Duration) Option {
	return func(p *Peer) { p.ttl = ttl }
}

// WithRetry overrides the request retransmission backoff and the
// maximum number of attempts before giving up (default: 200ms initial
// backoff, 4 attempts).
func WithRetry(initial time.Duration, maxAttempts int) Option {
	return func(p *Peer) { p.retryInitial, p.maxAttempts = initial, maxAttempts }
}

// Peer resolves IPv4 addresses to MACs for one local interface.
type Peer struct {
	log *zap.SugaredLogger

	localIP  netip.Addr
	localMAC l2.MAC
	ep       *l2.Endpoint
	driver   physical.Driver
	clock    *runtime.Clock

	ttl          time.Duration
	retryInitial time.Duration
	maxAttempts  int

	mu      sync.Mutex
	cache   map[netip.Addr]cacheEntry
	pending map[netip.Addr]*pendingQuery
}

// NewPeer constructs a Peer bound to localIP/localMAC, transmitting
// requests and replies through ep and driver.
func NewPeer(localIP netip.Addr, localMAC l2.MAC, ep *l2.Endpoint, driver physical.Driver, clock *runtime.Clock, opts ...Option) *Peer {
	p := &Peer{
		log:          zap.NewNop().Sugar(),
		localIP:      localIP,
		localMAC:     localMAC,
		ep:           ep,
		driver:       driver,
		clock:        clock,
		ttl:          20 * time.Minute,
		retryInitial: 200 * time.Millisecond,
		maxAttempts:  4,
		cache:        make(map[netip.Addr]cacheEntry),
		pending:      make(map[netip.Addr]*pendingQuery),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Peer) lookup(ip netip.Addr) (l2.MAC, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[ip]
	if !ok || entry.expiresAt <= p.clock.Now() {
		return l2.MAC{}, false
	}
	return entry.mac, true
}

// store updates the cache and wakes every query parked on ip.
func (p *Peer) store(ip netip.Addr, mac l2.MAC) {
	p.mu.Lock()
	p.cache[ip] = cacheEntry{mac: mac, expiresAt: p.clock.Now() + int64(p.ttl)}
	q := p.pending[ip]
	delete(p.pending, ip)
	p.mu.Unlock()

	if q != nil {
		q.cv.Broadcast()
	}
}

func (p *Peer) newPendingLocked() *pendingQuery {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.retryInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         backoff.DefaultMaxInterval,
	}
	b.Reset()
	return &pendingQuery{cv: runtime.NewConditionVariable(), backoff: b}
}

// fail marks q terminally failed, detaches it so a later Query starts
// a fresh request train, and wakes every query parked on it.
func (p *Peer) fail(ip netip.Addr, q *pendingQuery, err error) {
	p.mu.Lock()
	q.failed = err
	if p.pending[ip] == q {
		delete(p.pending, ip)
	}
	p.mu.Unlock()
	q.cv.Broadcast()
}

// Query resolves ip to a MAC. A cache hit completes on the first poll;
// a miss transmits a request and retries with backoff against the
// runtime clock until a reply arrives or every attempt is exhausted —
// entirely on the scheduler thread. A query for an address already
// being resolved attaches to the in-flight record instead of sending
// its own request.
func (p *Peer) Query(ip netip.Addr) scheduler.Future {
	var q *pendingQuery
	var wait scheduler.Future
	return scheduler.FutureFunc(func(w waker.Waker) (any, bool) {
		if mac, ok := p.lookup(ip); ok {
			return Resolution{MAC: mac}, true
		}

		p.mu.Lock()
		if q == nil {
			if existing, ok := p.pending[ip]; ok {
				q = existing
			} else {
				q = p.newPendingLocked()
				p.pending[ip] = q
			}
		}
		if q.failed != nil {
			err := q.failed
			p.mu.Unlock()
			return Resolution{Err: err}, true
		}

		transmit := false
		now := p.clock.Now()
		if now >= q.nextSendAt {
			if q.attempts >= p.maxAttempts {
				p.mu.Unlock()
				err := errno.Wrap(errno.EHOSTUNREACH, "arp: no reply for "+ip.String())
				p.fail(ip, q, err)
				return Resolution{Err: err}, true
			}
			q.attempts++
			q.nextSendAt = now + int64(q.backoff.NextBackOff())
			transmit = true
		}
		deadline := q.nextSendAt
		p.mu.Unlock()

		if transmit {
			if err := p.transmitRequest(ip); err != nil {
				p.fail(ip, q, err)
				return Resolution{Err: err}, true
			}
		}

		p.clock.Arm(deadline, w.Clone())
		if wait == nil {
			wait = q.cv.Wait()
		}
		if _, done := wait.Poll(w); done {
			wait = nil
			w.WakeByRef()
		}
		return nil, false
	})
}
