package ring

import "sync/atomic"

// Go's sync/atomic loads and stores on a *uint64 are sequentially
// consistent, a strictly stronger guarantee than the acquire/release
// pairing the SPSC contract requires. These wrappers exist to name that
// requirement explicitly at each call site — relying on natural word
// alignment alone is not enough on a weakly ordered machine — rather
// than to add any additional synchronization.
func atomicLoad(p *uint64) uint64          { return atomic.LoadUint64(p) }
func atomicLoadAcquire(p *uint64) uint64   { return atomic.LoadUint64(p) }
func atomicStore(p *uint64, v uint64)      { atomic.StoreUint64(p, v) }
func atomicStoreRelease(p *uint64, v uint64) { atomic.StoreUint64(p, v) }
