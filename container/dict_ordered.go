package container

import (
	"unsafe"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
	"github.com/cznic/shmstore/txn"
)

// trieFanout is the 4-way branching factor of the bit-sliced hash trie
// (2 bits of the key hash select a child per level, §4.6.4).
const trieFanout = 4

// orderedDictHeader is an ordered dict's fixed fields (§3.4, §4.6.4).
type orderedDictHeader struct {
	Header
	Root      region.Pointer // root trieNode
	ChangeLog region.Pointer
	Size      uint32
}

func overlayOrderedDictHeader(payload []byte) *orderedDictHeader {
	return (*orderedDictHeader)(unsafe.Pointer(&payload[0]))
}

// trieSlot is one of a node's 4 child/leaf slots: either a nested node
// (Nested != None) or a leaf with (key, value, new_value, has_new)
// (§4.6.4).
type trieSlot struct {
	Key      region.Pointer
	Value    region.Pointer
	NewValue region.Pointer
	HasNew   uint32
	Changed  uint32
	Nested   region.Pointer
}

// trieNodeHeader precedes a fixed [trieFanout]trieSlot array.
type trieNodeHeader struct {
	alloc.RefcountHeader
}

func overlayTrieNode(payload []byte) *trieNodeHeader {
	return (*trieNodeHeader)(unsafe.Pointer(&payload[0]))
}

var trieNodeHeaderSize = int(unsafe.Sizeof(trieNodeHeader{}))

func trieSlots(payload []byte) []trieSlot {
	base := (*trieSlot)(unsafe.Pointer(&payload[trieNodeHeaderSize]))
	return unsafe.Slice(base, trieFanout)
}

func trieNodeSize() int { return trieNodeHeaderSize + trieFanout*int(unsafe.Sizeof(trieSlot{})) }

// OrderedDict is the process-local handle to a bit-sliced hash trie
// ordered dict (§3.4, §4.6.4).
type OrderedDict struct {
	r   *region.Region
	h   *alloc.Heap
	ptr region.Pointer
}

// NewOrderedDict allocates an empty ordered dict with a single root node.
func NewOrderedDict(r *region.Region, h *alloc.Heap) (OrderedDict, error) {
	fp, payload, err := h.GetMem(int(unsafe.Sizeof(orderedDictHeader{})), 0)
	if err != nil {
		return OrderedDict{}, err
	}
	dh := overlayOrderedDictHeader(payload)
	dh.SetType(alloc.TypeOrderedDict)
	dh.Refcount = 1

	rfp, err := newTrieNode(h)
	if err != nil {
		return OrderedDict{}, err
	}
	dh.Root = rfp
	return OrderedDict{r: r, h: h, ptr: fp}, nil
}

func newTrieNode(h *alloc.Heap) (region.Pointer, error) {
	fp, payload, err := h.GetMem(trieNodeSize(), 0)
	if err != nil {
		return region.None, err
	}
	nh := overlayTrieNode(payload)
	nh.SetType(alloc.TypeOrderedDict)
	nh.Refcount = 1
	return fp, nil
}

func (d OrderedDict) payload() []byte           { return d.r.Resolve(d.ptr) }
func (d OrderedDict) header() *orderedDictHeader { return overlayOrderedDictHeader(d.payload()) }

// Pointer returns the fat pointer backing this dict.
func (d OrderedDict) Pointer() region.Pointer { return d.ptr }

func childIndex(h uint32, level int) int { return int((h >> uint(2*level)) & 0x3) }

// Get walks the trie following the key's hash 2 bits per level, comparing
// keys at each occupied leaf, honoring a staged new_value when present
// (§4.6.4).
func (d OrderedDict) Get(key region.Pointer) (region.Pointer, bool) {
	h := hashKey(d.r, key)
	node := d.header().Root
	for level := 0; level < 16 && node.IsValid(); level++ {
		slots := trieSlots(d.r.Resolve(node))
		slot := &slots[childIndex(h, level)]
		if slot.Nested.IsValid() {
			node = slot.Nested
			continue
		}
		if slot.Key.IsValid() && keysEqual(d.r, slot.Key, key) {
			if slot.HasNew != 0 {
				if slot.NewValue == emptyPtr {
					return region.None, false
				}
				return slot.NewValue, true
			}
			return slot.Value, true
		}
		return region.None, false
	}
	return region.None, false
}

// Set walks to key's slot, nesting a new node on collision with a
// different key, and stages (new_value, has_new=true) plus a bounded
// delta-array touch (§4.6.4).
func (d OrderedDict) Set(key, value region.Pointer) shmerr.Status {
	h := hashKey(d.r, key)
	node := d.header().Root
	for level := 0; level < 16; level++ {
		payload := d.r.Resolve(node)
		slots := trieSlots(payload)
		idx := childIndex(h, level)
		slot := &slots[idx]

		switch {
		case slot.Nested.IsValid():
			node = slot.Nested
			continue
		case !slot.Key.IsValid():
			slot.Key = key
			slot.NewValue = value
			slot.HasNew = 1
			slot.Changed = 1
			return d.recordTouch(node, uint32(idx))
		case keysEqual(d.r, slot.Key, key):
			slot.NewValue = value
			slot.HasNew = 1
			slot.Changed = 1
			return d.recordTouch(node, uint32(idx))
		default:
			// collision on a different key: push both into a nested node
			nfp, err := newTrieNode(d.h)
			if err != nil {
				return shmerr.Failure
			}
			existing := *slot
			*slot = trieSlot{Nested: nfp}
			nslots := trieSlots(d.r.Resolve(nfp))
			existingIdx := childIndex(hashKey(d.r, existing.Key), level+1)
			nslots[existingIdx] = existing
			if existing.HasNew != 0 {
				// a staged slot moved: log its new place so commit publishes it
				if status := d.recordTouch(nfp, uint32(existingIdx)); status != shmerr.OK {
					return status
				}
			}
			node = nfp
			continue
		}
	}
	return shmerr.Failure
}

// Delete stages key's removal as a new_value == None leaf (§4.6.4).
func (d OrderedDict) Delete(key region.Pointer) shmerr.Status {
	if _, has := d.Get(key); !has {
		return shmerr.Invalid
	}
	return d.Set(key, emptyPtr)
}

func (d OrderedDict) recordTouch(node region.Pointer, slot uint32) shmerr.Status {
	hdr := d.header()
	cl, err := txn.EnsureChangeLog(d.r, d.h, &hdr.ChangeLog)
	if err != nil {
		return shmerr.Failure
	}
	// every trieNode allocation is word-aligned (its slots hold uint32/
	// Pointer fields, §4.6.4), so a node's fat pointer always has its low
	// 2 bits clear; packing the fanout-4 slot index (0..3) into those
	// bits loses nothing and keeps one changed-slot per log entry.
	return cl.Record(uint32(node) | slot&0x3)
}

// CommitOrderedDict is the txn.CommitHandler for KindOrderedDict: walks
// the bounded delta array naming (node, slot) pairs touched by the
// writer, publishing each staged value (§4.5.1, §4.6.4).
func CommitOrderedDict(r *region.Region, fp region.Pointer, _ uint32) {
	hdr := overlayOrderedDictHeader(r.Resolve(fp))
	if !hdr.ChangeLog.IsValid() {
		return
	}
	cl, _ := txn.EnsureChangeLog(r, nil, &hdr.ChangeLog)
	for _, packed := range cl.Entries() {
		node := region.Pointer(packed &^ 0x3)
		idx := int(packed & 0x3)
		if !node.IsValid() {
			continue
		}
		slot := &trieSlots(r.Resolve(node))[idx]
		if slot.HasNew == 0 {
			continue
		}
		old := slot.Value
		if slot.NewValue == emptyPtr {
			slot.Key = region.None
			slot.Value = region.None
			hdr.Size--
		} else {
			if old == region.None {
				hdr.Size++
			}
			slot.Value = slot.NewValue
		}
		if old.IsValid() && old != slot.Value {
			alloc.FreeMem(r, old)
		}
		slot.NewValue = region.None
		slot.HasNew = 0
		slot.Changed = 0
	}
	cl.Reset()
}

// AbortOrderedDict is the txn.AbortHandler for KindOrderedDict: releases
// staged values and clears shadow flags without touching live data
// (§4.5.1).
func AbortOrderedDict(r *region.Region, fp region.Pointer) {
	hdr := overlayOrderedDictHeader(r.Resolve(fp))
	if !hdr.ChangeLog.IsValid() {
		return
	}
	cl, _ := txn.EnsureChangeLog(r, nil, &hdr.ChangeLog)
	for _, packed := range cl.Entries() {
		node := region.Pointer(packed &^ 0x3)
		idx := int(packed & 0x3)
		if !node.IsValid() {
			continue
		}
		slot := &trieSlots(r.Resolve(node))[idx]
		if slot.HasNew != 0 && slot.NewValue.IsValid() && slot.NewValue != emptyPtr {
			alloc.FreeMem(r, slot.NewValue)
		}
		slot.NewValue = region.None
		slot.HasNew = 0
		slot.Changed = 0
	}
	cl.Reset()
}
