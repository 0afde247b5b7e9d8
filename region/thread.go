package region

import (
	"os"
	"sync/atomic"
)

// ClaimThreadSlot finds a free thread slot and marks it in use for the
// calling OS process (§3.5). It is the entry point every attaching
// process calls once before building a txn.Context over that slot.
func (r *Region) ClaimThreadSlot() (int, error) {
	pid := uint32(os.Getpid())
	for i := 0; i < MaxThreads; i++ {
		slot := r.Superblock.Thread(i)
		if atomic.CompareAndSwapUint32(&slot.InUse, 0, 1) {
			atomic.StoreUint32(&slot.ProcessID, pid)
			atomic.StoreUint32(&slot.Ticket, 0)
			atomic.StoreUint32(&slot.Mode, 0)
			slot.PendingLock = None
			atomic.StoreUint32(&slot.ThreadPreempted, 0)
			slot.FreeListHead = Empty
			atomic.StoreUint32(&slot.TestFinished, 0)
			return i, nil
		}
	}
	return 0, errNoFreeThreadSlot
}

// ReleaseThreadSlot frees a previously claimed slot.
func (r *Region) ReleaseThreadSlot(i int) {
	slot := r.Superblock.Thread(i)
	atomic.StoreUint32(&slot.InUse, 0)
}

var errNoFreeThreadSlot = &noFreeSlotError{}

type noFreeSlotError struct{}

func (*noFreeSlotError) Error() string { return "region: no free thread slot (MaxThreads exhausted)" }
