package container

import (
	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
)

// Destructors release a dying container's own internal plumbing blocks
// (block chains, bucket tables, trie nodes, change logs) once the
// reclaimer has determined the container itself is dead (§4.3 step 4:
// "call the block's type-specific destructor"). They do not release the
// element fat pointers a container holds: those follow the same
// single-owner acq/release discipline a caller uses for any other value,
// independent of which container currently references it.

func destructList(r *region.Region, payload []byte) {
	hdr := overlayListHeader(payload)
	for b := hdr.Head; b.IsValid(); {
		bh := overlayBlockHeader(r.Resolve(b))
		next := bh.Next
		_ = alloc.FreeMem(r, b)
		b = next
	}
	if hdr.Index.IsValid() {
		_ = alloc.FreeMem(r, hdr.Index)
	}
	if hdr.ChangeLog.IsValid() {
		_ = alloc.FreeMem(r, hdr.ChangeLog)
	}
}

func destructUnorderedDict(r *region.Region, payload []byte) {
	hdr := overlayDictHeader(payload)
	if hdr.Table.IsValid() {
		_ = alloc.FreeMem(r, hdr.Table)
	}
	if hdr.Delta.IsValid() {
		_ = alloc.FreeMem(r, hdr.Delta)
	}
	if hdr.ChangeLog.IsValid() {
		_ = alloc.FreeMem(r, hdr.ChangeLog)
	}
}

func destructOrderedDict(r *region.Region, payload []byte) {
	hdr := overlayOrderedDictHeader(payload)
	freeTrieNode(r, hdr.Root)
	if hdr.ChangeLog.IsValid() {
		_ = alloc.FreeMem(r, hdr.ChangeLog)
	}
}

func freeTrieNode(r *region.Region, node region.Pointer) {
	if !node.IsValid() {
		return
	}
	for _, slot := range trieSlots(r.Resolve(node)) {
		if slot.Nested.IsValid() {
			freeTrieNode(r, slot.Nested)
		}
	}
	_ = alloc.FreeMem(r, node)
}

func destructQueue(r *region.Region, payload []byte) {
	hdr := overlayQueueHeader(payload)
	for c := hdr.Head; c.IsValid(); {
		ch := overlayQueueCell(r.Resolve(c))
		next := ch.Next
		_ = alloc.FreeMem(r, c)
		c = next
	}
	if hdr.ChangeLog.IsValid() {
		_ = alloc.FreeMem(r, hdr.ChangeLog)
	}
}

// destructPromise has no internal plumbing to release beyond the block
// itself: a promise carries only scalar fields and a waiter bitmap.
func destructPromise(r *region.Region, payload []byte) {}
