package region

import (
	"sync/atomic"
	"unsafe"

	"github.com/cznic/shmstore/xsync"
)

// MaxThreads is the hard cap on attached worker thread slots (§3.5, §9):
// one bit position per slot in every container's 64-bit bitmaps.
const MaxThreads = 64

// ThreadSlot is one entry of the superblock's fixed thread-slot table
// (§3.5). It lives in shared memory; every field here is fixed-size and
// contains no Go-heap pointers, so any attached process can read and
// write it directly through its own mapping of chunk 0.
type ThreadSlot struct {
	InUse           uint32      // 0 = free slot, 1 = claimed
	ProcessID       uint32      // owning OS process, diagnostics only
	Ticket          uint32      // last_start: 0 = idle
	Mode            uint32      // current transaction mode (txn.Mode)
	PendingLock     Pointer     // container this thread is queued on, or None
	ThreadPreempted uint32      // 0 = not preempted, 1 = preempted (the preempting thread is not recorded)
	FreeListHead    Pointer     // head of this thread's pending-free block list
	TestFinished    uint32      // reclaimer's grace-period flag (§4.3 step 2)
	Ready           xsync.Event // single-writer wakeup event
	_pad            [4]byte
}

// superblockLayout is the fixed-size structure overlaid onto chunk 0.
// Field order is deliberately explicit and fixed-size only: every
// attaching process must agree on this layout bit-for-bit (§6).
type superblockLayout struct {
	Magic        uint32
	Version      uint32
	ChunkCount   uint32
	TicketClock  uint32
	RootPointer  Pointer
	GrowLock     xsync.SimpleLock
	ReclaimEvent xsync.Event // "has garbage", signalled when any thread publishes a free-list
	Threads      [MaxThreads]ThreadSlot
}

const superblockMagic = 0x53484d30 // "SHM0"

// Superblock is the process-local handle to chunk 0's shared header.
type Superblock struct {
	raw  *superblockLayout
	name string
}

func newSuperblock(chunk0 []byte, name string) *Superblock {
	sb := overlaySuperblock(chunk0)
	sb.Magic = superblockMagic
	sb.Version = 1
	sb.ChunkCount = 1
	sb.RootPointer = None
	return &Superblock{raw: sb, name: name}
}

func attachSuperblock(chunk0 []byte) *Superblock {
	sb := overlaySuperblock(chunk0)
	return &Superblock{raw: sb}
}

func overlaySuperblock(chunk0 []byte) *superblockLayout {
	if len(chunk0) < int(unsafe.Sizeof(superblockLayout{})) {
		panic("region: chunk 0 too small for superblock layout")
	}
	return (*superblockLayout)(unsafe.Pointer(&chunk0[0]))
}

// ChunkCount returns the current number of chunks allocated in the region.
func (s *Superblock) ChunkCount() int {
	return int(atomic.LoadUint32(&s.raw.ChunkCount))
}

// SetChunkCount publishes a new chunk count after a successful grow.
func (s *Superblock) SetChunkCount(n int) {
	atomic.StoreUint32(&s.raw.ChunkCount, uint32(n))
}

// lockHandle returns the simple lock serializing region growth (§4.1); it
// is unexported so only package region's AllocChunk touches it, matching
// the container-nesting rule: only the allocator/chunk manager nests under it.
func (s *Superblock) lockHandle() *xsync.SimpleLock { return &s.raw.GrowLock }

// NextTicket draws a fresh, strictly monotonic ticket (§4.4, §9);
// ticket 0 is reserved for "idle" so the counter starts at 1 and is never
// allowed to wrap back to 0 within this process's lifetime.
func (s *Superblock) NextTicket() uint32 {
	for {
		v := atomic.AddUint32(&s.raw.TicketClock, 1)
		if v != 0 {
			return v
		}
	}
}

// RootPointer returns the fat pointer to the root container, or None if
// the region has not yet been populated.
func (s *Superblock) RootPointer() Pointer {
	return Pointer(atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.raw.RootPointer))))
}

// SetRootPointer atomically publishes the root container pointer.
func (s *Superblock) SetRootPointer(p Pointer) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&s.raw.RootPointer)), uint32(p))
}

// Thread returns a pointer to the i-th thread slot (0 <= i < MaxThreads).
func (s *Superblock) Thread(i int) *ThreadSlot {
	return &s.raw.Threads[i]
}

// ReclaimEvent returns the coordinator's "has garbage" wakeup event.
func (s *Superblock) ReclaimEvent() *xsync.Event {
	return &s.raw.ReclaimEvent
}

// growLockHandle exposes the superblock's growth lock to Region.AllocChunk.
func (r *Region) growLockHandle() *xsync.SimpleLock { return r.Superblock.lockHandle() }
