package tcp

import "time"

// rtoEstimator implements the Jacobson/Karn RTO estimate:
// srtt/rttvar exponentially-weighted moving averages feeding
// rto = srtt + 4*rttvar, bounded by [min, max] and doubled on each
// consecutive retransmit timeout.
type rtoEstimator struct {
	min, max time.Duration

	srtt, rttvar time.Duration
	have         bool

	rto     time.Duration
	backoff uint32 // consecutive-timeout exponent
}

const (
	rttAlphaNum, rttAlphaDen   = 1, 8 // alpha = 1/8
	rttBetaNum, rttBetaDen     = 1, 4 // beta = 1/4
)

func newRTOEstimator(min, max time.Duration) *rtoEstimator {
	return &rtoEstimator{min: min, max: max, rto: min}
}

// Sample feeds one round-trip-time measurement (from an unambiguous
// ACK, never a retransmitted segment's — Karn's rule) into the
// estimator and resets the timeout backoff.
func (e *rtoEstimator) Sample(rtt time.Duration) {
	e.backoff = 0
	if !e.have {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.have = true
	} else {
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttvar += (delta - e.rttvar) * rttBetaNum / rttBetaDen
		e.srtt += (rtt - e.srtt) * rttAlphaNum / rttAlphaDen
	}
	e.rto = e.clamp(e.srtt + 4*e.rttvar)
}

// RTO returns the current retransmit timeout.
func (e *rtoEstimator) RTO() time.Duration {
	return e.clamp(e.rto << e.backoff)
}

// Max returns the estimator's upper clamp bound, used by the persist
// timer to decide how long a zero window may stand before giving up.
func (e *rtoEstimator) Max() time.Duration {
	return e.max
}

// Timeout records a retransmit-timer expiry: the next RTO doubles
// (exponential backoff).
func (e *rtoEstimator) Timeout() {
	if e.backoff < 6 {
		e.backoff++
	}
}

func (e *rtoEstimator) clamp(d time.Duration) time.Duration {
	if d < e.min {
		return e.min
	}
	if d > e.max {
		return e.max
	}
	return d
}
