//go:build qd_randomids

package runtime

import "math/rand/v2"

// qdBase mirrors the direct-mapping variant's reserved range: even
// with random descriptors, [0, qdBase) stays clear of QD values so the
// POSIX-fd compatibility window is identical across both builds.
const qdBase QD = 500

// nextQD draws a random descriptor at or above qdBase, retrying the
// rare collision with a live one. Random ids make stale descriptors
// from a closed queue fail fast instead of silently addressing its
// successor. Called with t.mu held.
func (t *queueTable) nextQD() QD {
	for {
		qd := qdBase + QD(rand.Int32N(1<<30))
		if _, live := t.entries[qd]; !live {
			return qd
		}
	}
}
