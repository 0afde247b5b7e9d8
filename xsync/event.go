// Package xsync provides the OS-primitive layer the core consumes:
// manual-reset events, an uncontended-fast-path simple lock, and atomic
// bitmap helpers, all safe to place in memory shared across processes
// (no process-local pointers, no finalizers).
//
// The Linux implementation backs Event and SimpleLock with futex words
// (golang.org/x/sys/unix), matching §6's "AbstractHandle" pattern: on
// platforms where the wait/wake primitive is itself a shared-memory word,
// no handle duplication across processes is required.
package xsync

import (
	"sync/atomic"
	"time"
)

// Event is a manual-reset event: Signal sets it and wakes all waiters;
// Reset clears it; Wait blocks (with a timeout) until it is set.
// Event must live in shared memory at a stable address for the lifetime
// of the region; it contains no pointers.
type Event struct {
	state generation // low bit: signalled; rest: generation counter
}

type generation = uint32

const signalledBit = 1

// Init prepares a zero-valued Event for use. Present for symmetry with
// the C event_init contract; the zero value is already usable.
func (e *Event) Init() { atomic.StoreUint32(&e.state, 0) }

// Signal sets the event and wakes every thread currently blocked in Wait.
func (e *Event) Signal() {
	for {
		old := atomic.LoadUint32(&e.state)
		if old&signalledBit != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&e.state, old, old+2|signalledBit) {
			futexWake(&e.state)
			return
		}
	}
}

// Reset clears the event without changing its generation.
func (e *Event) Reset() {
	for {
		old := atomic.LoadUint32(&e.state)
		if old&signalledBit == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&e.state, old, old&^signalledBit) {
			return
		}
	}
}

// Ready reports whether the event is currently signalled, without blocking.
func (e *Event) Ready() bool {
	return atomic.LoadUint32(&e.state)&signalledBit != 0
}

// Wait blocks until the event is signalled or timeout elapses (<=0 means
// wait forever). It returns true if the event was observed signalled.
func (e *Event) Wait(timeout time.Duration) bool {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		cur := atomic.LoadUint32(&e.state)
		if cur&signalledBit != 0 {
			return true
		}
		var remaining time.Duration
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return false
			}
		}
		futexWait(&e.state, cur, remaining)
	}
}
