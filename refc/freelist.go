package refc

import (
	"sync/atomic"
	"unsafe"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
)

// FreeListCapacity bounds one free-list chunk (§4.3: "a bounded chunk").
const FreeListCapacity = 64

// freeListChunk is a bounded, refcount-free block of deferred-free fat
// pointers. It is allocated through the owning thread's own heap like any
// other block, tagged alloc.TypeRaw since it has no container semantics.
type freeListChunk struct {
	alloc.Header
	Next    region.Pointer
	Count   uint32
	Entries [FreeListCapacity]region.Pointer
}

var freeListChunkSize = int(unsafe.Sizeof(freeListChunk{}))

func overlayFreeListChunk(payload []byte) *freeListChunk {
	return (*freeListChunk)(unsafe.Pointer(&payload[0]))
}

// ThreadFree is one thread's deferred-free bookkeeping: it owns a heap
// for allocating free-list chunks and publishes full chunks into its
// superblock thread slot for the reclaimer to pick up.
type ThreadFree struct {
	r        *region.Region
	heap     *alloc.Heap
	threadID uint32
	slot     *region.ThreadSlot
	current  region.Pointer // current (not-yet-full) chunk, None if none allocated yet
}

// NewThreadFree constructs the deferred-free state for one thread.
func NewThreadFree(r *region.Region, heap *alloc.Heap, threadID uint32, slot *region.ThreadSlot) *ThreadFree {
	return &ThreadFree{r: r, heap: heap, threadID: threadID, slot: slot, current: region.None}
}

// Defer appends fp to the thread's current free-list chunk, allocating
// one if needed, and publishes the chunk to the superblock (CAS) once it
// fills, signalling the "has garbage" event (§4.3).
func (tf *ThreadFree) Defer(fp region.Pointer) error {
	if tf.current.IsNone() {
		if err := tf.allocChunk(); err != nil {
			return err
		}
	}
	chunk := tf.r.Resolve(tf.current)
	c := overlayFreeListChunk(chunk)
	c.Entries[c.Count] = fp
	c.Count++
	if int(c.Count) == FreeListCapacity {
		tf.publish()
		if err := tf.allocChunk(); err != nil {
			return err
		}
	}
	return nil
}

func (tf *ThreadFree) allocChunk() error {
	fp, payload, err := tf.heap.GetMem(freeListChunkSize, 0)
	if err != nil {
		return err
	}
	c := overlayFreeListChunk(payload)
	c.SetType(alloc.TypeRaw)
	c.Next = region.None
	c.Count = 0
	tf.current = fp
	return nil
}

// publish CASes the current chunk onto the superblock's published head
// for this thread, forming a stack of full chunks, and wakes the
// reclaimer.
func (tf *ThreadFree) publish() {
	full := tf.current
	for {
		old := region.Pointer(atomic.LoadUint32((*uint32)(unsafe.Pointer(&tf.slot.FreeListHead))))
		fc := overlayFreeListChunk(tf.r.Resolve(full))
		fc.Next = old
		if atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&tf.slot.FreeListHead)), uint32(old), uint32(full)) {
			break
		}
	}
	tf.current = region.None
	tf.r.Superblock.ReclaimEvent().Signal()
}

// Detach atomically swaps out the given thread slot's published free-list
// head for Empty, returning the detached chain head (§4.3 step 1). Used
// only by the reclaimer.
func Detach(slot *region.ThreadSlot) region.Pointer {
	old := atomic.SwapUint32((*uint32)(unsafe.Pointer(&slot.FreeListHead)), uint32(region.Empty))
	return region.Pointer(old)
}
