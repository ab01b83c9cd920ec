package runtime

// TaskID is the stable external handle returned by InsertForeground and
// InsertBackground. It stays valid across any internal slab compaction
// the scheduler groups perform, since it is never reused for a
// different coroutine: the runtime hands out a fresh one on every
// insert and retires it for good once the task is drained or
// cancelled.
type TaskID uint64

// QD is an external I/O queue descriptor, the handle libos hands to
// applications for sockets and other queue-like resources.
type QD int

// taskKind records which reserved scheduler group a TaskID's coroutine
// lives in.
type taskKind int

const (
	kindForeground taskKind = iota
	kindBackground
)

type taskRef struct {
	kind taskKind
	slot int
}
