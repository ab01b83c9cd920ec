// Package cc defines the TCP congestion-controller plug-in contract
// and a Reno-style default implementation: the smallest complete
// RFC 5681 controller that exercises the plug-in contract end to end.
package cc

import "time"

// Controller is the object-safe congestion-control contract: a fixed,
// minimal operation set in the same style as physical.Driver.
type Controller interface {
	// Cwnd returns the current congestion window, in bytes.
	Cwnd() uint32
	// OnAck reports that ackedBytes of previously unacknowledged data
	// were just acknowledged, with rtt the sample used for this ACK
	// (zero if unavailable, e.g. a retransmitted segment's ACK).
	OnAck(ackedBytes uint32, rtt time.Duration)
	// OnLoss reports a retransmit-timeout-detected loss.
	OnLoss()
}

// NewReno constructs the default Controller: slow start below
// ssthresh, additive increase at or above it, multiplicative decrease
// (ssthresh = max(cwnd/2, 2*mss), cwnd = mss) on loss — RFC 5681's "Reno" without
// fast retransmit/fast recovery, since this stack's only loss signal is
// the retransmit timeout — there is no duplicate-ACK fast-retransmit
// path.
func NewReno(mss uint32) Controller {
	return &reno{
		mss:     mss,
		cwnd:    mss,
		ssthresh: 64 * 1024,
	}
}

type reno struct {
	mss      uint32
	cwnd     uint32
	ssthresh uint32
}

func (r *reno) Cwnd() uint32 { return r.cwnd }

func (r *reno) OnAck(ackedBytes uint32, _ time.Duration) {
	if r.cwnd < r.ssthresh {
		// Slow start: grow by one MSS per ACKed MSS-worth of data.
		r.cwnd += ackedBytes
	} else {
		// Congestion avoidance: grow by roughly one MSS per RTT.
		r.cwnd += max32(1, r.mss*ackedBytes/r.cwnd)
	}
}

func (r *reno) OnLoss() {
	r.ssthresh = max32(r.cwnd/2, 2*r.mss)
	r.cwnd = r.mss
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
