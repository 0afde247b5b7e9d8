package container

import (
	"unsafe"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
	"github.com/cznic/shmstore/txn"
)

// queueHeader is a queue's fixed fields: a singly-linked cell chain with
// shadowed head/tail plus a bounded change log (§3.4, §4.6).
type queueHeader struct {
	Header
	Head      region.Pointer
	Tail      region.Pointer
	NewHead   region.Pointer
	NewTail   region.Pointer
	HasNewHead uint32
	HasNewTail uint32
	Count     uint32
	NewCount  int32
	ChangeLog region.Pointer
}

func overlayQueueHeader(payload []byte) *queueHeader {
	return (*queueHeader)(unsafe.Pointer(&payload[0]))
}

// queueCellHeader is one queue cell: a refcounted singly-linked node
// carrying its payload's fat pointer.
type queueCellHeader struct {
	alloc.RefcountHeader
	Next region.Pointer
	Data region.Pointer
}

func overlayQueueCell(payload []byte) *queueCellHeader {
	return (*queueCellHeader)(unsafe.Pointer(&payload[0]))
}

var queueCellSize = int(unsafe.Sizeof(queueCellHeader{}))

// Queue is the process-local handle to a queue container (§3.4, §4.6).
type Queue struct {
	r   *region.Region
	h   *alloc.Heap
	ptr region.Pointer
}

// NewQueue allocates an empty queue.
func NewQueue(r *region.Region, h *alloc.Heap) (Queue, error) {
	fp, payload, err := h.GetMem(int(unsafe.Sizeof(queueHeader{})), 0)
	if err != nil {
		return Queue{}, err
	}
	qh := overlayQueueHeader(payload)
	qh.SetType(alloc.TypeQueue)
	qh.Refcount = 1
	qh.NewCount = noStaged
	return Queue{r: r, h: h, ptr: fp}, nil
}

func (q Queue) payload() []byte     { return q.r.Resolve(q.ptr) }
func (q Queue) header() *queueHeader { return overlayQueueHeader(q.payload()) }

// Pointer returns the fat pointer backing this queue.
func (q Queue) Pointer() region.Pointer { return q.ptr }

// Len returns the queue's committed element count.
func (q Queue) Len() int { return int(q.header().Count) }

// Push stages a new tail cell linked after the current (possibly staged)
// tail, recording the touch in the queue's change log (§4.6).
func (q Queue) Push(data region.Pointer) shmerr.Status {
	cfp, cpayload, err := q.h.GetMem(queueCellSize, 0)
	if err != nil {
		return shmerr.Failure
	}
	ch := overlayQueueCell(cpayload)
	ch.SetType(alloc.TypeQueue)
	ch.Refcount = 1
	ch.Data = data
	ch.Next = region.None

	hdr := q.header()
	curTail := hdr.Tail
	if hdr.HasNewTail != 0 {
		curTail = hdr.NewTail
	}
	if curTail.IsValid() {
		overlayQueueCell(q.r.Resolve(curTail)).Next = cfp
	}
	hdr.NewTail = cfp
	hdr.HasNewTail = 1
	if !hdr.Head.IsValid() && hdr.HasNewHead == 0 {
		hdr.NewHead = cfp
		hdr.HasNewHead = 1
	}
	count := int32(hdr.Count)
	if hdr.NewCount != noStaged {
		count = hdr.NewCount
	}
	hdr.NewCount = count + 1
	return q.recordTouch(1) // single logical touch per push; slot value is a marker
}

// Pop stages the head cell's removal, returning its payload pointer
// (§4.6).
func (q Queue) Pop() (region.Pointer, shmerr.Status) {
	hdr := q.header()
	head := hdr.Head
	if hdr.HasNewHead != 0 {
		head = hdr.NewHead
	}
	if !head.IsValid() {
		return region.None, shmerr.Invalid
	}
	cell := overlayQueueCell(q.r.Resolve(head))
	hdr.NewHead = cell.Next
	hdr.HasNewHead = 1
	count := int32(hdr.Count)
	if hdr.NewCount != noStaged {
		count = hdr.NewCount
	}
	hdr.NewCount = count - 1
	if status := q.recordTouch(2); status != shmerr.OK {
		return region.None, status
	}
	return cell.Data, shmerr.OK
}

func (q Queue) recordTouch(marker uint32) shmerr.Status {
	hdr := q.header()
	cl, err := txn.EnsureChangeLog(q.r, q.h, &hdr.ChangeLog)
	if err != nil {
		return shmerr.Failure
	}
	return cl.Record(marker)
}

// CommitQueue is the txn.CommitHandler for KindQueue: publishes staged
// head/tail/count and frees the displaced head cell once it has been
// popped past (§4.5.1, §4.6).
func CommitQueue(r *region.Region, fp region.Pointer, _ uint32) {
	hdr := overlayQueueHeader(r.Resolve(fp))
	oldHead := hdr.Head
	if hdr.HasNewHead != 0 {
		hdr.Head = hdr.NewHead
		hdr.HasNewHead = 0
		hdr.NewHead = region.None
		if oldHead.IsValid() && oldHead != hdr.Head {
			alloc.FreeMem(r, oldHead)
		}
	}
	if hdr.HasNewTail != 0 {
		hdr.Tail = hdr.NewTail
		hdr.HasNewTail = 0
		hdr.NewTail = region.None
	}
	if hdr.NewCount != noStaged {
		hdr.Count = uint32(hdr.NewCount)
		hdr.NewCount = noStaged
	}
	if hdr.ChangeLog.IsValid() {
		cl, _ := txn.EnsureChangeLog(r, nil, &hdr.ChangeLog)
		cl.Reset()
	}
}

// AbortQueue is the txn.AbortHandler for KindQueue: releases any staged
// new cell not yet published and clears shadow flags (§4.5.1).
func AbortQueue(r *region.Region, fp region.Pointer) {
	hdr := overlayQueueHeader(r.Resolve(fp))
	if hdr.HasNewTail != 0 && hdr.NewTail.IsValid() && hdr.NewTail != hdr.Tail {
		alloc.FreeMem(r, hdr.NewTail)
	}
	hdr.HasNewHead, hdr.HasNewTail = 0, 0
	hdr.NewHead, hdr.NewTail = region.None, region.None
	hdr.NewCount = noStaged
	if hdr.ChangeLog.IsValid() {
		cl, _ := txn.EnsureChangeLog(r, nil, &hdr.ChangeLog)
		cl.Reset()
	}
}
