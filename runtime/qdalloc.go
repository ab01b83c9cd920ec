//go:build !qd_randomids

package runtime

// qdBase is the first external descriptor handed out. The range
// [0, qdBase) is left untouched so a QD can share an integer namespace
// with POSIX file descriptors without colliding with anything a libc
// would plausibly hand out.
const qdBase QD = 500

// nextQD maps the table's n-th registration to qdBase + n: the
// offset-based direct mapping. Called with t.mu held.
func (t *queueTable) nextQD() QD {
	qd := qdBase + t.next
	t.next++
	return qd
}
