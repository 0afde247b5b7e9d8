// Package refc implements cross-process reference counting and the
// reclaimer: acq/release on refcounted blocks, per-thread deferred
// free-lists, and the grace-period reclamation walk (§3.2, §4.3).
//
// Grounded on original_source/src/shm_types.h's refcount/revival_count/
// release_count triple (a block is truly dead once release_count ==
// revival_count) and on dbm.DB's background "victor" removal goroutine
// for the general shape of "a coarse lock guards fast paths; a
// background goroutine does the slow cleanup" (see DESIGN.md).
package refc

import (
	"sync/atomic"

	"github.com/cznic/shmstore/alloc"
)

// Acq increments payload's refcount. If the pre-increment count was 0,
// the block is being revived and revival_count is bumped to match
// (§4.3): "acq atomically adds 1; if the pre-increment count was 0, the
// caller increments revival_count."
func Acq(payload []byte) {
	h := alloc.OverlayRefcountHeader(payload)
	old := atomic.AddUint32(&h.Refcount, 1) - 1
	if old == 0 {
		atomic.AddUint32(&h.RevivalCount, 1)
	}
}

// Release decrements payload's refcount and reports whether the count
// reached zero, in which case the caller must push the fat pointer onto
// its thread's deferred free-list (ThreadFree.Defer) rather than freeing
// immediately, since only the reclaimer may physically deallocate (§4.3).
func Release(payload []byte) (reachedZero bool) {
	h := alloc.OverlayRefcountHeader(payload)
	return atomic.AddUint32(&h.Refcount, ^uint32(0)) == 0
}

// Alive reports refcount(b) >= 0 (trivially true for an unsigned counter)
// and revival_count(b) >= release_count(b), the steady-state invariant
// from §8.
func Alive(payload []byte) bool {
	h := alloc.OverlayRefcountHeader(payload)
	return atomic.LoadUint32(&h.RevivalCount) >= atomic.LoadUint32(&h.ReleaseCount)
}

// dead reports whether a block's revival/release counts match, meaning no
// reviving acq happened during the reclaimer's grace period and it may be
// physically freed (§4.3 step 4).
func dead(payload []byte) bool {
	h := alloc.OverlayRefcountHeader(payload)
	return atomic.LoadUint32(&h.RevivalCount) == atomic.LoadUint32(&h.ReleaseCount)
}

// bumpReleaseCount is called by the reclaimer when it finds a block was
// revived mid-grace-period: it honors one more release request instead of
// freeing the block (§4.3 step 4, "increment release_count and skip").
func bumpReleaseCount(payload []byte) {
	h := alloc.OverlayRefcountHeader(payload)
	atomic.AddUint32(&h.ReleaseCount, 1)
}
