// Package alloc implements the size-classed allocator: small-block
// segments and medium-block buddy-ish "flex" sectors (§3.3, §4.2).
//
// Grounded on lldb/falloc.go's block-header/free-list discipline
// (tagUsedLong/tagFreeShort, link/unlink/free2) and lldb/flt.go's
// free-list-table abstraction, adapted from one free list per Allocator
// to one free list per size class per sector, per
// original_source/src/MM.h's ShmHeapSectorHeader.segments_heads and
// ShmHeapFlexSectorHeader.class_heads/class_tails.
package alloc

import (
	"encoding/binary"
	"unsafe"

	"github.com/cznic/shmstore/region"
)

// GuardWord is the value WriteGuarded stores in a payload's last four
// bytes and CheckGuard looks for. GetMem does not write it and FreeMem
// does not validate it.
const GuardWord uint32 = 0xCCCCCCCC

// ReleaseMark is OR'd into a block's type tag to mark it freed; setting it
// twice is a double-free bug (§3.2).
const ReleaseMark uint32 = 1 << 31

// BlockType identifies the concrete block kind stored in a header's low
// bits (the high bit is reserved for ReleaseMark).
type BlockType uint32

const (
	TypeFree BlockType = iota
	TypeValue
	TypeList
	TypeListIndex
	TypeUnorderedDict
	TypeOrderedDict
	TypePromise
	TypeQueue
	TypeChangeLog
	TypeRaw // caller-managed bytes with no container semantics
)

// Header is the common block header every allocation starts with (§3.2).
// It is a fixed-size, pointer-free structure so it may be overlaid
// directly onto shared memory via unsafe.Pointer.
type Header struct {
	typeAndMark uint32
	Size        uint32 // total bytes including this header
	LastDebugID int32  // most recent get_mem debug_id written to this address
	PrevDebugID int32  // the debug_id before that, for leak diagnostics
}

func overlayHeader(b []byte) *Header {
	return (*Header)(unsafe.Pointer(&b[0]))
}

// Type returns the block's type tag, ignoring the release mark.
func (h *Header) Type() BlockType { return BlockType(h.typeAndMark &^ ReleaseMark) }

// SetType sets the block's type tag, preserving the release mark bit.
func (h *Header) SetType(t BlockType) {
	h.typeAndMark = (h.typeAndMark & ReleaseMark) | uint32(t)
}

// Released reports whether the release mark has been set.
func (h *Header) Released() bool { return h.typeAndMark&ReleaseMark != 0 }

// MarkReleased sets the release mark. Calling it twice is a double-free;
// callers must check Released() first in debug builds.
func (h *Header) MarkReleased() { h.typeAndMark |= ReleaseMark }

// RefcountHeader extends Header with the refcount/revival/release triple
// carried by container-family blocks (§3.2, §4.3).
type RefcountHeader struct {
	Header
	Refcount      uint32
	RevivalCount  uint32
	ReleaseCount  uint32
}

func overlayRefcountHeader(b []byte) *RefcountHeader {
	return (*RefcountHeader)(unsafe.Pointer(&b[0]))
}

// OverlayRefcountHeader exposes overlayRefcountHeader to other packages
// (refc's acq/release need it); payload must start at the block's header.
func OverlayRefcountHeader(payload []byte) *RefcountHeader {
	return overlayRefcountHeader(payload)
}

func writeGuard(payload []byte, size int) {
	if size >= 4 {
		binary.LittleEndian.PutUint32(payload[size-4:size], GuardWord)
	}
}

func checkGuard(payload []byte, size int) bool {
	if size < 4 {
		return true
	}
	return binary.LittleEndian.Uint32(payload[size-4:size]) == GuardWord
}

// sectorHeaderBase is shared preamble for both small sectors and flex
// (medium) sectors: every chunk repurposed by the allocator starts with
// one of these so free_mem can dispatch small vs medium purely from the
// sector's Kind field.
type sectorHeaderBase struct {
	Kind       uint32 // region.ChunkKind
	OwnerHeap  uint32 // thread slot index that owns this sector's heap
	_reserved  uint32
}

func overlaySectorBase(chunk []byte) *sectorHeaderBase {
	return (*sectorHeaderBase)(unsafe.Pointer(&chunk[0]))
}

// dispatchSector identifies whether the sector backing fp is small or
// medium, for Free's dispatch (§4.2 "identify the sector from the fat
// pointer's chunk index; dispatch small vs medium by sector type tag").
func dispatchSector(r *region.Region, fp region.Pointer) region.ChunkKind {
	return region.ChunkKind(overlaySectorBase(r.Chunk(fp.Chunk())).Kind)
}
