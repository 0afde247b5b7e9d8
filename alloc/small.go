package alloc

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/xsync"
)

// SegmentSize is the 4 KiB subdivision of a small sector (§3.3, GLOSSARY).
const SegmentSize = 4096

// SizeClasses are the small-block allocator's nine classes (§3.3),
// adjusted so header+payload+guard for the largest class still fits a
// segment alongside its own header.
var SizeClasses = [9]int{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// emptySegmentsClass is segments_heads' 10th slot: unclaimed segments not
// yet assigned a size class (original_source/src/MM.h's segments_heads[10]).
const emptySegmentsClass = 9

const unclaimedClass uint32 = 0xFFFFFFFF
const noSegment uint32 = 0xFFFFFFFF

// sectorHeader occupies segment 0 of every thread_sector chunk.
type sectorHeader struct {
	sectorHeaderBase
	Lock          xsync.SimpleLock
	SegmentsHeads [emptySegmentsClass + 1]uint32
	NumSegments   uint32
	NextSector    uint32 // chunk index + 1; 0 = none
}

var sectorHeaderSize = int(unsafe.Sizeof(sectorHeader{}))

// segmentHeader sits at the start of every 4 KiB segment (including the
// reserved segment 0, whose header field values are unused).
type segmentHeader struct {
	SizeClass    uint32
	FreeListHead uint32 // offset within segment; 0 = none (segment 0 offsets start past the header so 0 is a safe sentinel)
	BumpCursor   uint32
	UsedCount    uint32
	NextSegment  uint32 // next segment index chained under the same SegmentsHeads slot
}

var segmentHeaderSize = int(unsafe.Sizeof(segmentHeader{}))

func overlaySectorHeader(chunk []byte) *sectorHeader {
	return (*sectorHeader)(unsafe.Pointer(&chunk[0]))
}

func segmentOffset(index int) int { return index * SegmentSize }

func overlaySegmentHeader(chunk []byte, segIndex int) *segmentHeader {
	off := segmentOffset(segIndex)
	return (*segmentHeader)(unsafe.Pointer(&chunk[off]))
}

func classify(size int) int {
	for i, c := range SizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

func slotSize(class int) int { return headerSize + SizeClasses[class] }

const headerSize = int(unsafe.Sizeof(Header{}))

func segmentsPerSector() int { return region.ChunkSize / SegmentSize }

func slotsPerSegment(class int) int {
	usable := SegmentSize - segmentHeaderSize
	return usable / slotSize(class)
}

func slotOffset(class, slotIndex int) int {
	return segmentHeaderSize + slotIndex*slotSize(class)
}

// SmallHeap is one thread's small-block allocator: a chain of
// thread_sector chunks it owns, each internally split into 4 KiB
// segments (§3.3, §4.2 small path).
type SmallHeap struct {
	r        *region.Region
	threadID uint32
	head     int // chunk index of first owned sector, -1 if none
}

// NewSmallHeap creates an (initially empty) small-block heap for threadID.
func NewSmallHeap(r *region.Region, threadID uint32) *SmallHeap {
	return &SmallHeap{r: r, threadID: threadID, head: -1}
}

// GetMem allocates a small block of at least size bytes. debugID is
// stashed for leak diagnostics only (§7 of SPEC_FULL).
func (h *SmallHeap) GetMem(size int, debugID int32) (region.Pointer, []byte, error) {
	if size == 0 {
		return region.None, nil, nil
	}
	class := classify(size)
	if class < 0 {
		return region.None, nil, fmt.Errorf("alloc: size %d exceeds small-block range", size)
	}

	if h.head == -1 {
		if err := h.growNewSector(); err != nil {
			return region.None, nil, err
		}
	}

	for sectorIdx := h.head; sectorIdx != -1; sectorIdx = h.nextSector(sectorIdx) {
		chunk := h.r.Chunk(sectorIdx)
		sh := overlaySectorHeader(chunk)
		sh.Lock.Acquire(h.threadID + 1)
		fp, payload, ok := h.allocInSector(sectorIdx, chunk, sh, class)
		sh.Lock.Release()
		if ok {
			writeDebugInfo(payload, debugID)
			clear(payload[headerSize:])
			return fp, payload[headerSize : headerSize+SizeClasses[class]], nil
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
	sh := overlaySectorHeader(chunk)
	sh.Lock.Acquire(h.threadID + 1)
	fp, payload, ok := h.allocInSector(fresh, chunk, sh, class)
	sh.Lock.Release()
	if !ok {
		return region.None, nil, fmt.Errorf("alloc: fresh sector could not satisfy class %d", class)
	}
	writeDebugInfo(payload, debugID)
	clear(payload[headerSize:])
	return fp, payload[headerSize : headerSize+SizeClasses[class]], nil
}

// allocInSector implements §4.2's small path within one already-locked
// sector: pop from the class free list, else bump-allocate, else claim an
// empty segment for this class.
func (h *SmallHeap) allocInSector(sectorIdx int, chunk []byte, sh *sectorHeader, class int) (region.Pointer, []byte, bool) {
	for segIdx := int(sh.SegmentsHeads[class]); segIdx != 0; {
		segH := overlaySegmentHeader(chunk, segIdx)
		if fp, payload, ok := popFree(sectorIdx, chunk, segIdx, segH, class); ok {
			return fp, payload, true
		}
		if fp, payload, ok := bumpAlloc(sectorIdx, chunk, segIdx, segH, class); ok {
			return fp, payload, true
		}
		segIdx = int(segH.NextSegment)
	}

	// Fall back to claiming an empty segment for this class.
	emptyHead := int(sh.SegmentsHeads[emptySegmentsClass])
	if emptyHead != 0 {
		segH := overlaySegmentHeader(chunk, emptyHead)
		next := segH.NextSegment
		sh.SegmentsHeads[emptySegmentsClass] = next
		segH.SizeClass = uint32(class)
		segH.FreeListHead = 0
		segH.BumpCursor = uint32(segmentHeaderSize)
		segH.UsedCount = 0
		segH.NextSegment = sh.SegmentsHeads[class]
		sh.SegmentsHeads[class] = uint32(emptyHead)
		if fp, payload, ok := bumpAlloc(sectorIdx, chunk, emptyHead, segH, class); ok {
			return fp, payload, true
		}
	}
	return region.None, nil, false
}

func popFree(sectorIdx int, chunk []byte, segIdx int, segH *segmentHeader, class int) (region.Pointer, []byte, bool) {
	if segH.FreeListHead == 0 {
		return region.None, nil, false
	}
	off := segmentOffset(segIdx) + int(segH.FreeListHead)
	next := binary.LittleEndian.Uint32(chunk[off : off+4])
	slotStart := off
	segH.FreeListHead = next
	segH.UsedCount++
	payload := chunk[slotStart : slotStart+slotSize(class)]
	h := overlayHeader(payload)
	h.SetType(TypeFree)
	h.Size = uint32(slotSize(class))
	return region.NewPointer(sectorIdx, slotStart), payload, true
}

func bumpAlloc(sectorIdx int, chunk []byte, segIdx int, segH *segmentHeader, class int) (region.Pointer, []byte, bool) {
	size := slotSize(class)
	segBase := segmentOffset(segIdx)
	next := int(segH.BumpCursor) + size
	if next > SegmentSize {
		return region.None, nil, false
	}
	slotStart := segBase + int(segH.BumpCursor)
	segH.BumpCursor = uint32(next)
	segH.UsedCount++
	payload := chunk[slotStart : slotStart+size]
	h := overlayHeader(payload)
	h.SetType(TypeFree)
	h.Size = uint32(size)
	return region.NewPointer(sectorIdx, slotStart), payload, true
}

// writeDebugInfo stashes debugID in the block's header for leak
// diagnostics (SPEC_FULL §7's supplemented debug_id feature); it has no
// effect on allocator behavior and costs one header write per call.
func writeDebugInfo(payload []byte, debugID int32) {
	h := overlayHeader(payload)
	h.PrevDebugID = h.LastDebugID
	h.LastDebugID = debugID
}

func (h *SmallHeap) nextSector(sectorIdx int) int {
	chunk := h.r.Chunk(sectorIdx)
	sh := overlaySectorHeader(chunk)
	n := sh.NextSector
	if n == 0 {
		return -1
	}
	return int(n) - 1
}

func (h *SmallHeap) growNewSector() error {
	idx, err := h.r.AllocChunk(h.threadID+1, region.KindThreadSector)
	if err != nil {
		return err
	}
	chunk := h.r.Chunk(idx)
	sh := overlaySectorHeader(chunk)
	sh.Kind = uint32(region.KindThreadSector)
	sh.OwnerHeap = h.threadID
	sh.NumSegments = uint32(segmentsPerSector())
	for c := range sh.SegmentsHeads {
		sh.SegmentsHeads[c] = 0
	}
	// Chain segments 1..N-1 onto the empty-segments list.
	prev := uint32(0)
	for s := segmentsPerSector() - 1; s >= 1; s-- {
		segH := overlaySegmentHeader(chunk, s)
		segH.SizeClass = unclaimedClass
		segH.NextSegment = prev
		prev = uint32(s)
	}
	sh.SegmentsHeads[emptySegmentsClass] = prev

	if h.head == -1 {
		h.head = idx
	} else {
		tail := h.head
		for {
			tc := h.r.Chunk(tail)
			tsh := overlaySectorHeader(tc)
			if tsh.NextSector == 0 {
				tsh.NextSector = uint32(idx + 1)
				break
			}
			tail = int(tsh.NextSector) - 1
		}
	}
	return nil
}

// FreeSmall returns a small block to its segment's free list, and if the
// segment just transitioned from full to non-full, prepends it to the
// class's SegmentsHeads list (§4.2 "on free... small").
func FreeSmall(r *region.Region, fp region.Pointer) error {
	sectorIdx := fp.Chunk()
	chunk := r.Chunk(sectorIdx)
	sh := overlaySectorHeader(chunk)
	segIdx := fp.Offset() / SegmentSize
	segH := overlaySegmentHeader(chunk, segIdx)
	class := int(segH.SizeClass)
	if class < 0 || class > 8 {
		return fmt.Errorf("alloc: free_small: bad size class %d", class)
	}

	sh.Lock.Acquire(0xffffffff) // reclaimer/foreign-thread path uses a reserved tid
	defer sh.Lock.Release()

	wasFull := segH.FreeListHead == 0 && int(segH.BumpCursor)+slotSize(class) > SegmentSize
	slotOff := uint32(fp.Offset() - segmentOffset(segIdx))
	binary.LittleEndian.PutUint32(chunk[fp.Offset():fp.Offset()+4], segH.FreeListHead)
	segH.FreeListHead = slotOff
	segH.UsedCount--

	if wasFull {
		segH.NextSegment = sh.SegmentsHeads[class]
		sh.SegmentsHeads[class] = uint32(segIdx)
	}
	return nil
}
