package xsync

import (
	"sync/atomic"
	"time"
)

// noOwner is the sentinel simple_lock value meaning "unlocked". Thread IDs
// are never zero in this package's callers (slot index + 1 is used), so 0
// is safe to reserve.
const noOwner uint32 = 0

// SimpleLock is an uncontended-fast-path mutex usable from shared memory:
// the fast path is a single CAS, the contended path parks on a futex word.
// It matches the core's simple_lock_init/acquire/acquire_with_callback/
// release/owned contract (§6).
type SimpleLock struct {
	owner uint32 // 0 = free, else holder's thread id
}

// Init prepares a zero-valued SimpleLock for use; the zero value already
// means "unlocked", so this exists for symmetry with the C contract.
func (l *SimpleLock) Init() { atomic.StoreUint32(&l.owner, noOwner) }

// Acquire blocks until the lock is held by the calling thread (tid != 0).
func (l *SimpleLock) Acquire(tid uint32) {
	l.AcquireWithCallback(tid, nil)
}

// AcquireWithCallback behaves like Acquire, but between contended-wait
// attempts it calls cancel (if non-nil); if cancel returns true, Acquire
// gives up and returns false without holding the lock.
func (l *SimpleLock) AcquireWithCallback(tid uint32, cancel func() bool) bool {
	if tid == noOwner {
		panic("xsync: SimpleLock.Acquire called with zero thread id")
	}
	for {
		if atomic.CompareAndSwapUint32(&l.owner, noOwner, tid) {
			return true
		}
		if cancel != nil && cancel() {
			return false
		}
		futexWait(&l.owner, atomic.LoadUint32(&l.owner), 200*time.Microsecond)
	}
}

// Release unlocks the lock. The caller must currently own it.
func (l *SimpleLock) Release() {
	atomic.StoreUint32(&l.owner, noOwner)
	futexWake(&l.owner)
}

// Owned reports whether the given thread currently holds the lock.
func (l *SimpleLock) Owned(tid uint32) bool {
	return atomic.LoadUint32(&l.owner) == tid
}
