package alloc

import (
	"fmt"
	"unsafe"

	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/xsync"
)

// MediumSizeClasses doubles from the smallest medium block up through 8
// classes (§3.3). The smallest class picks up just above the largest
// small-block class (2048 bytes, payload).
var MediumSizeClasses = [8]int{4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288}

const mediumLargestClass = 7
const noBlock uint32 = 0

// flexSectorHeader is the header of a thread_sector_flex chunk
// (original_source/src/MM.h's ShmHeapFlexSectorHeader): a doubly-linked
// address-order chain of blocks spans the whole sector, and each size
// class keeps its own free-list head/tail within that chain.
type flexSectorHeader struct {
	sectorHeaderBase
	Lock        xsync.SimpleLock
	ClassHeads  [8]uint32 // offset of first free block of this class, 0 = none
	ClassTails  [8]uint32
	NextSector  uint32
}

var flexSectorHeaderSize = int(unsafe.Sizeof(flexSectorHeader{}))

// flexBlockHeader precedes every medium block's payload
// (ShmHeapFlexBlockHeader): address-order neighbor links plus a separate
// free-list link, and Claimed distinguishing in-use from free.
type flexBlockHeader struct {
	Header
	NextBlock uint32 // address-order neighbor, offset within sector, 0 = none (sector header occupies offset 0, so 0 is a safe "none")
	PrevBlock uint32
	NextFree  uint32
	PrevFree  uint32
	SizeClass uint32
	Claimed   uint32 // 0/1
}

var flexBlockHeaderSize = int(unsafe.Sizeof(flexBlockHeader{}))

func overlayFlexSector(chunk []byte) *flexSectorHeader {
	return (*flexSectorHeader)(unsafe.Pointer(&chunk[0]))
}

func overlayFlexBlock(chunk []byte, off int) *flexBlockHeader {
	return (*flexBlockHeader)(unsafe.Pointer(&chunk[off]))
}

func mediumClassify(size int) int {
	for i, c := range MediumSizeClasses {
		if size <= c-flexBlockHeaderSize {
			return i
		}
	}
	return -1
}

// MediumHeap is one thread's medium-block (flex) allocator: a chain of
// thread_sector_flex chunks (§3.3, §4.2 medium path).
type MediumHeap struct {
	r        *region.Region
	threadID uint32
	head     int
}

// NewMediumHeap creates an (initially empty) medium-block heap.
func NewMediumHeap(r *region.Region, threadID uint32) *MediumHeap {
	return &MediumHeap{r: r, threadID: threadID, head: -1}
}

// GetMem allocates a medium block of at least size bytes (payload).
func (h *MediumHeap) GetMem(size int, debugID int32) (region.Pointer, []byte, error) {
	target := mediumClassify(size)
	if target < 0 {
		return region.None, nil, fmt.Errorf("alloc: size %d exceeds medium-block range", size)
	}

	if h.head == -1 {
		if err := h.growNewSector(); err != nil {
			return region.None, nil, err
		}
	}

	for sectorIdx := h.head; sectorIdx != -1; sectorIdx = h.nextSector(sectorIdx) {
		chunk := h.r.Chunk(sectorIdx)
		fh := overlayFlexSector(chunk)
		fh.Lock.Acquire(h.threadID + 1)
		fp, payload, ok := h.allocInFlexSector(sectorIdx, chunk, fh, target)
		fh.Lock.Release()
		if ok {
			writeDebugInfo(payload, debugID)
			clear(payload[flexBlockHeaderSize:])
			return fp, payload[flexBlockHeaderSize:], nil
		}
	}

	if err := h.growNewSector(); err != nil {
		return region.None, nil, err
	}
	fresh := h.head
	for n := h.nextSector(fresh); n != -1; n = h.nextSector(fresh) {
		fresh = n
	}
	chunk := h.r.Chunk(fresh)
	fh := overlayFlexSector(chunk)
	fh.Lock.Acquire(h.threadID + 1)
	fp, payload, ok := h.allocInFlexSector(fresh, chunk, fh, target)
	fh.Lock.Release()
	if !ok {
		return region.None, nil, fmt.Errorf("alloc: fresh flex sector could not satisfy class %d", target)
	}
	writeDebugInfo(payload, debugID)
	clear(payload[flexBlockHeaderSize:])
	return fp, payload[flexBlockHeaderSize:], nil
}

// allocInFlexSector implements §4.2's medium path within one locked
// sector: scan head-to-tail for the smallest class >= target with a
// non-empty free list, remove it, and split down to the target class.
func (h *MediumHeap) allocInFlexSector(sectorIdx int, chunk []byte, fh *flexSectorHeader, target int) (region.Pointer, []byte, bool) {
	class := -1
	for c := target; c <= mediumLargestClass; c++ {
		if fh.ClassHeads[c] != noBlock {
			class = c
			break
		}
	}
	if class < 0 {
		return region.None, nil, false
	}

	off := fh.ClassHeads[class]
	blk := overlayFlexBlock(chunk, int(off))
	unlinkFree(chunk, fh, class, off, blk)

	for class > target {
		class--
		off, blk = splitBlock(chunk, fh, off, blk, class)
	}

	blk.Claimed = 1
	blk.SizeClass = uint32(class)
	blk.SetType(TypeRaw)
	payloadLen := MediumSizeClasses[class] - flexBlockHeaderSize
	blk.Size = uint32(flexBlockHeaderSize + payloadLen)
	payload := chunk[off : int(off)+flexBlockHeaderSize+payloadLen]
	return region.NewPointer(sectorIdx, int(off)+flexBlockHeaderSize), payload, true
}

// splitBlock splits blk (currently size class class+1) into two buddies
// of class, keeping the lower half in place and inserting the upper half
// (the "tail half", per §4.2) as a free block of the smaller class.
func splitBlock(chunk []byte, fh *flexSectorHeader, off uint32, blk *flexBlockHeader, class int) (uint32, *flexBlockHeader) {
	half := uint32(MediumSizeClasses[class])
	buddyOff := off + half
	buddy := overlayFlexBlock(chunk, int(buddyOff))

	buddy.NextBlock = blk.NextBlock
	buddy.PrevBlock = off
	if blk.NextBlock != 0 {
		next := overlayFlexBlock(chunk, int(blk.NextBlock))
		next.PrevBlock = buddyOff
	}
	blk.NextBlock = buddyOff

	buddy.SizeClass = uint32(class)
	buddy.Claimed = 0
	buddy.SetType(TypeFree)
	linkFree(chunk, fh, class, buddyOff, buddy)

	return off, blk
}

func linkFree(chunk []byte, fh *flexSectorHeader, class int, off uint32, blk *flexBlockHeader) {
	head := fh.ClassHeads[class]
	blk.PrevFree = 0
	blk.NextFree = head
	if head != noBlock {
		overlayFlexBlock(chunk, int(head)).PrevFree = off
	}
	fh.ClassHeads[class] = off
	if fh.ClassTails[class] == noBlock {
		fh.ClassTails[class] = off
	}
}

func unlinkFree(chunk []byte, fh *flexSectorHeader, class int, off uint32, blk *flexBlockHeader) {
	if blk.PrevFree != 0 {
		overlayFlexBlock(chunk, int(blk.PrevFree)).NextFree = blk.NextFree
	} else {
		fh.ClassHeads[class] = blk.NextFree
	}
	if blk.NextFree != 0 {
		overlayFlexBlock(chunk, int(blk.NextFree)).PrevFree = blk.PrevFree
	} else {
		fh.ClassTails[class] = blk.PrevFree
	}
	blk.NextFree, blk.PrevFree = 0, 0
}

func (h *MediumHeap) nextSector(sectorIdx int) int {
	fh := overlayFlexSector(h.r.Chunk(sectorIdx))
	if fh.NextSector == 0 {
		return -1
	}
	return int(fh.NextSector) - 1
}

func (h *MediumHeap) growNewSector() error {
	idx, err := h.r.AllocChunk(h.threadID, region.KindThreadSectorFlex)
	if err != nil {
		return err
	}
	chunk := h.r.Chunk(idx)
	fh := overlayFlexSector(chunk)
	fh.Kind = uint32(region.KindThreadSectorFlex)
	fh.OwnerHeap = h.threadID
	for c := range fh.ClassHeads {
		fh.ClassHeads[c] = 0
		fh.ClassTails[c] = 0
	}

	// The whole sector starts as one chain of largest-class free blocks.
	blockSize := MediumSizeClasses[mediumLargestClass]
	start := uint32(flexSectorHeaderSize)
	// Align start to the block size so NextBlock/PrevBlock chaining and
	// splitting stay within sector bounds.
	if rem := start % uint32(blockSize); rem != 0 {
		start += uint32(blockSize) - rem
	}
	var prevOff uint32
	first := true
	for off := start; int(off)+blockSize <= region.ChunkSize; off += uint32(blockSize) {
		blk := overlayFlexBlock(chunk, int(off))
		blk.SizeClass = uint32(mediumLargestClass)
		blk.Claimed = 0
		blk.SetType(TypeFree)
		blk.PrevBlock = prevOff
		if !first {
			overlayFlexBlock(chunk, int(prevOff)).NextBlock = off
		}
		blk.NextBlock = 0
		linkFree(chunk, fh, mediumLargestClass, off, blk)
		prevOff = off
		first = false
	}

	if h.head == -1 {
		h.head = idx
	} else {
		tail := h.head
		for {
			tfh := overlayFlexSector(h.r.Chunk(tail))
			if tfh.NextSector == 0 {
				tfh.NextSector = uint32(idx + 1)
				break
			}
			tail = int(tfh.NextSector) - 1
		}
	}
	return nil
}

// FreeMedium resets claimed=false and pushes the block onto
// class_heads[class] (§4.2 "on free... medium"). Buddy coalescing is
// deliberately not performed here, see DESIGN.md's Open Question #1: a
// freed block stays in its own class, so blocks split off a larger block
// are never rejoined and the larger classes are not refilled by frees.
func FreeMedium(r *region.Region, fp region.Pointer) error {
	sectorIdx := fp.Chunk()
	chunk := r.Chunk(sectorIdx)
	fh := overlayFlexSector(chunk)
	off := uint32(fp.Offset())
	blk := overlayFlexBlock(chunk, int(off))

	fh.Lock.Acquire(0xffffffff)
	defer fh.Lock.Release()

	blk.Claimed = 0
	blk.SetType(TypeFree)
	linkFree(chunk, fh, int(blk.SizeClass), off, blk)
	return nil
}
