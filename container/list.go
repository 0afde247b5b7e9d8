package container

import (
	"unsafe"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
	"github.com/cznic/shmstore/txn"
)

// noStaged is the sentinel for "no staged change" on an int32 shadow
// field (§4.6.2).
const noStaged int32 = -1

// blockCapCap is the per-block capacity doubling ceiling; beyond it
// Append allocates a new tail block instead of growing the current one,
// promoting the list to indexed form on the first such overflow (§4.6.2).
const blockCapCap = 4096

// listHeader is a list container's fixed fields (§3.4, §4.6.2).
type listHeader struct {
	Header
	Count       int32
	NewCount    int32
	Deleted     int32
	NewDeleted  int32
	Head        region.Pointer // single block (dense form)
	Index       region.Pointer // block-descriptor array (indexed form)
	Indexed     uint32
	ChangeLog   region.Pointer
}

func overlayListHeader(payload []byte) *listHeader {
	return (*listHeader)(unsafe.Pointer(&payload[0]))
}

// blockHeader is one list block: a capacity, a head-deletion cursor and a
// flat array of cellSlot entries following the header (§4.6.2).
type blockHeader struct {
	alloc.RefcountHeader
	Capacity    uint32
	NewCapacity int32
	Count       uint32 // occupied cells, mirrors the list-level count for this block
	Deleted     uint32
	Next        region.Pointer // next block, for indexed form's chain
}

func overlayBlockHeader(payload []byte) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&payload[0]))
}

var blockHeaderSize = int(unsafe.Sizeof(blockHeader{}))

// cellSlot is one list element's shadow pair (§3.4: "data, has_new_data,
// new_data, changed").
type cellSlot struct {
	Data       region.Pointer
	HasNewData uint32
	NewData    region.Pointer
	Changed    uint32
}

var cellSlotSize = int(unsafe.Sizeof(cellSlot{}))

func blockCells(payload []byte, capacity int) []cellSlot {
	base := (*cellSlot)(unsafe.Pointer(&payload[blockHeaderSize]))
	return unsafe.Slice(base, capacity)
}

func blockSize(capacity int) int { return blockHeaderSize + capacity*cellSlotSize }

// List is the process-local handle to a list container (§3.4, §4.6.2).
type List struct {
	r   *region.Region
	h   *alloc.Heap
	ptr region.Pointer
}

// NewList allocates an empty list with a small initial dense block.
func NewList(r *region.Region, h *alloc.Heap) (List, error) {
	const initialCap = 8
	fp, payload, err := h.GetMem(int(unsafe.Sizeof(listHeader{})), 0)
	if err != nil {
		return List{}, err
	}
	lh := overlayListHeader(payload)
	lh.SetType(alloc.TypeList)
	lh.Refcount = 1
	lh.Count, lh.NewCount = 0, noStaged
	lh.Deleted, lh.NewDeleted = 0, noStaged

	bfp, bpayload, err := h.GetMem(blockSize(initialCap), 0)
	if err != nil {
		return List{}, err
	}
	bh := overlayBlockHeader(bpayload)
	bh.SetType(alloc.TypeList)
	bh.Refcount = 1
	bh.Capacity = initialCap
	bh.NewCapacity = noStaged
	lh.Head = bfp

	return List{r: r, h: h, ptr: fp}, nil
}

func (l List) payload() []byte    { return l.r.Resolve(l.ptr) }
func (l List) header() *listHeader { return overlayListHeader(l.payload()) }

// Pointer returns the fat pointer backing this list.
func (l List) Pointer() region.Pointer { return l.ptr }

// Element implements txn.RecordElement's container identity.
func (l List) Element(locking txn.LockingMode, self interface{ Slot() int }) txn.Element {
	return txn.Element{Container: l.ptr, Kind: txn.KindList, Locking: locking}
}

// tailBlock returns the last block in the chain (the only block in dense
// form) along with its own fat pointer, since callers need that identity
// to record a touch against the right block (§4.6.2, §4.6.1).
func (l List) tailBlock() (region.Pointer, *blockHeader, []byte) {
	hdr := l.header()
	fp := hdr.Head
	bp := l.r.Resolve(fp)
	bh := overlayBlockHeader(bp)
	if hdr.Indexed == 0 {
		return fp, bh, bp
	}
	for bh.Next.IsValid() {
		fp = bh.Next
		bp = l.r.Resolve(fp)
		bh = overlayBlockHeader(bp)
	}
	return fp, bh, bp
}

// Append stages a new element at the tail, growing the tail block
// (doubling, capped at blockCapCap) or chaining a new block beyond the
// cap, promoting the list to indexed form (§4.6.2).
func (l List) Append(fp region.Pointer) shmerr.Status {
	hdr := l.header()
	blockFP, bh, bp := l.tailBlock()

	if bh.Count+bh.Deleted >= bh.Capacity {
		if int(bh.Capacity) < blockCapCap {
			if err := l.growBlock(blockFP, bh, bp); err != nil {
				return shmerr.Failure
			}
		} else {
			if err := l.chainNewBlock(bh, bp); err != nil {
				return shmerr.Failure
			}
			hdr.Indexed = 1
		}
		blockFP, bh, bp = l.tailBlock()
	}

	cells := blockCells(bp, int(bh.Capacity))
	idx := bh.Count
	cells[idx] = cellSlot{NewData: fp, HasNewData: 1, Changed: 1}
	bh.Count++

	hdr.NewCount = hdr.Count + 1
	return l.recordTouch(blockFP, idx)
}

// growBlock doubles oldFP's capacity into a freshly allocated block,
// relinks whichever pointer referenced oldFP (Head, or the previous
// block's Next in indexed form) to the new block, rewrites any pending
// change-log entries keyed on oldFP so they resolve against the new block,
// and frees oldFP.
func (l List) growBlock(oldFP region.Pointer, bh *blockHeader, bp []byte) error {
	newCap := int(bh.Capacity) * 2
	nfp, npayload, err := l.h.GetMem(blockSize(newCap), 0)
	if err != nil {
		return err
	}
	nbh := overlayBlockHeader(npayload)
	nbh.SetType(alloc.TypeList)
	nbh.Refcount = 1
	nbh.Capacity = uint32(newCap)
	nbh.NewCapacity = noStaged
	nbh.Count = bh.Count
	nbh.Deleted = bh.Deleted
	nbh.Next = bh.Next
	copy(blockCells(npayload, newCap), blockCells(bp, int(bh.Capacity))[:bh.Count])

	hdr := l.header()
	if hdr.Head == oldFP {
		hdr.Head = nfp
	} else {
		prevBP := l.r.Resolve(hdr.Head)
		prevBH := overlayBlockHeader(prevBP)
		for prevBH.Next.IsValid() && prevBH.Next != oldFP {
			prevBP = l.r.Resolve(prevBH.Next)
			prevBH = overlayBlockHeader(prevBP)
		}
		prevBH.Next = nfp
	}

	if hdr.ChangeLog.IsValid() {
		cl, _ := txn.EnsureChangeLog(l.r, l.h, &hdr.ChangeLog)
		cl.RewritePairKey(uint32(oldFP), uint32(nfp))
	}
	return alloc.FreeMem(l.r, oldFP)
}

func (l List) chainNewBlock(tailBH *blockHeader, tailBP []byte) error {
	const newBlockCap = 64
	nfp, npayload, err := l.h.GetMem(blockSize(newBlockCap), 0)
	if err != nil {
		return err
	}
	nbh := overlayBlockHeader(npayload)
	nbh.SetType(alloc.TypeList)
	nbh.Refcount = 1
	nbh.Capacity = newBlockCap
	nbh.NewCapacity = noStaged
	tailBH.Next = nfp
	return nil
}

// PopFront increments the head block's deleted cursor directly, stages the
// list's new deleted count, and logs the popped slot (§4.6.2). The popped
// cell's data and new_data are left as they are.
func (l List) PopFront() (region.Pointer, shmerr.Status) {
	hdr := l.header()
	headFP := hdr.Head
	bh, bp := overlayBlockHeader(l.r.Resolve(headFP)), l.r.Resolve(headFP)
	if bh.Deleted >= bh.Count {
		return region.None, shmerr.Invalid
	}
	cells := blockCells(bp, int(bh.Capacity))
	cell := &cells[bh.Deleted]
	data := cell.Data
	if cell.HasNewData != 0 {
		data = cell.NewData
	}
	bh.Deleted++
	hdr.NewDeleted = hdr.Deleted + 1
	if err := l.recordTouch(headFP, bh.Deleted-1); err != shmerr.OK {
		return region.None, err
	}
	return data, shmerr.OK
}

// Len returns the list's committed element count (count - deleted).
func (l List) Len() int {
	hdr := l.header()
	return int(hdr.Count - hdr.Deleted)
}

// Get returns the index-th live element's fat pointer, walking the block
// chain from Head and honoring each cell's staged new_data when present,
// the same read-your-own-writes rule OrderedDict.Get follows (§4.6.2,
// §4.6.4). Only the current head block can have a nonzero Deleted cursor:
// PopFront always pops from Head, and dropExhaustedHeadBlocks advances
// Head once a block is fully drained, so every later chained block's live
// range starts at 0.
func (l List) Get(index int) (region.Pointer, error) {
	if index < 0 || index >= l.Len() {
		return region.None, &shmerr.InvalidError{Src: "container.List.Get", Arg: index}
	}
	remaining := index
	fp := l.header().Head
	for fp.IsValid() {
		bp := l.r.Resolve(fp)
		bh := overlayBlockHeader(bp)
		live := int(bh.Count - bh.Deleted)
		if remaining < live {
			cell := &blockCells(bp, int(bh.Capacity))[int(bh.Deleted)+remaining]
			if cell.HasNewData != 0 {
				return cell.NewData, nil
			}
			return cell.Data, nil
		}
		remaining -= live
		fp = bh.Next
	}
	return region.None, &shmerr.InvalidError{Src: "container.List.Get", Arg: index}
}

func (l List) recordTouch(block region.Pointer, slot uint32) shmerr.Status {
	hdr := l.header()
	cl, err := txn.EnsureChangeLog(l.r, l.h, &hdr.ChangeLog)
	if err != nil {
		return shmerr.Failure
	}
	return cl.RecordPair(uint32(block), slot)
}

// CommitList is the txn.CommitHandler registered for KindList: visits each
// logged cell in its own block, publishing each staged value, then
// publishes count/deleted and drops exhausted head blocks (§4.5.1, §4.6.2).
func CommitList(r *region.Region, fp region.Pointer, _ uint32) {
	hdr := overlayListHeader(r.Resolve(fp))
	if hdr.ChangeLog.IsValid() {
		cl, _ := txn.EnsureChangeLog(r, nil, &hdr.ChangeLog)
		walkListLog(r, cl, true)
		cl.Reset()
	}
	if hdr.NewCount != noStaged {
		hdr.Count = hdr.NewCount
		hdr.NewCount = noStaged
	}
	if hdr.NewDeleted != noStaged {
		hdr.Deleted = hdr.NewDeleted
		hdr.NewDeleted = noStaged
	}
	dropExhaustedHeadBlocks(r, hdr)
}

// AbortList is the txn.AbortHandler registered for KindList: releases
// staged pointers and clears shadow flags without touching live data
// (§4.5.1).
func AbortList(r *region.Region, fp region.Pointer) {
	hdr := overlayListHeader(r.Resolve(fp))
	if hdr.ChangeLog.IsValid() {
		cl, _ := txn.EnsureChangeLog(r, nil, &hdr.ChangeLog)
		walkListLog(r, cl, false)
		cl.Reset()
	}
	hdr.NewCount = noStaged
	hdr.NewDeleted = noStaged
}

// walkListLog resolves each logged (block, slot) pair's own block instead
// of assuming everything touched this transaction lives in the head block
// (§4.6.1, §4.6.2): once a list has chained past its first block, a touch
// recorded against a tail block must be applied there, not against
// whatever Head happens to be at commit time.
func walkListLog(r *region.Region, cl *txn.ChangeLog, commit bool) {
	for _, pair := range cl.PairEntries() {
		block := region.Pointer(pair[0])
		slot := pair[1]
		if !block.IsValid() {
			continue
		}
		bp := r.Resolve(block)
		bh := overlayBlockHeader(bp)
		if int(slot) >= int(bh.Capacity) {
			continue
		}
		cells := blockCells(bp, int(bh.Capacity))
		cell := &cells[slot]
		if cell.HasNewData == 0 {
			continue
		}
		if commit {
			old := cell.Data
			cell.Data = cell.NewData
			if old.IsValid() && old != cell.Data {
				alloc.FreeMem(r, old)
			}
		} else if cell.NewData.IsValid() {
			alloc.FreeMem(r, cell.NewData)
		}
		cell.NewData = region.None
		cell.HasNewData = 0
		cell.Changed = 0
	}
}

// dropExhaustedHeadBlocks frees any head block in the chain whose cells
// are all deleted, advancing Head to the first remaining block; the Index
// field is not changed.
func dropExhaustedHeadBlocks(r *region.Region, hdr *listHeader) {
	for {
		if !hdr.Head.IsValid() {
			return
		}
		bp := r.Resolve(hdr.Head)
		bh := overlayBlockHeader(bp)
		if bh.Next == region.None || bh.Deleted < bh.Count {
			return
		}
		next := bh.Next
		old := hdr.Head
		hdr.Head = next
		alloc.FreeMem(r, old)
	}
}
