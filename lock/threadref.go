// Package lock implements the per-container priority reader-writer lock
// (§4.4): a 64-bit reader bitmap, a writer/next-writer thread reference
// pair, a waiter queue bitmap, and the older-wins preemption discipline.
//
// lldb/dbm serialize every operation behind one process-local sync.Mutex
// (dbm.DB's "bkl"); this package generalizes that single-lock-per-operation
// shape to a cross-process, ticket-priority ordered lock per container.
package lock

import "sync/atomic"

// ThreadRef names a thread slot inside a lock field: 0 means "none",
// otherwise it is the thread's slot index + 1. Using 0 as "none" lets
// lock fields live as plain atomic uint32 words in shared memory.
type ThreadRef uint32

// NoThread is the "unlocked" / "no contender" sentinel.
const NoThread ThreadRef = 0

// Ref packs a thread slot index into a ThreadRef.
func Ref(slot int) ThreadRef { return ThreadRef(slot + 1) }

// Slot unpacks the thread slot index; only valid when !IsNone().
func (t ThreadRef) Slot() int { return int(t) - 1 }

// IsNone reports whether the reference names no thread.
func (t ThreadRef) IsNone() bool { return t == NoThread }

// atomicRef is a ThreadRef stored for atomic CAS/load/store access.
type atomicRef = uint32

func loadRef(p *atomicRef) ThreadRef { return ThreadRef(atomic.LoadUint32(p)) }
func storeRef(p *atomicRef, v ThreadRef) { atomic.StoreUint32(p, uint32(v)) }
func casRef(p *atomicRef, old, new ThreadRef) bool {
	return atomic.CompareAndSwapUint32(p, uint32(old), uint32(new))
}
