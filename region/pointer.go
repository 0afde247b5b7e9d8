package region

// Pointer is a fat pointer: a single machine word packing a chunk index
// and a byte offset within that chunk (§3.1, §6). Bit layout places the
// chunk index in the high bits and the offset in the low bits, matching
// original_source/src/shm_defs.h's SHM_BLOCK_BITS/SHM_OFFSET_BITS split.
type Pointer uint32

const (
	// ChunkBits is the number of bits reserved for the chunk index.
	ChunkBits = 12
	// OffsetBits is the number of bits reserved for the in-chunk offset.
	OffsetBits = 20

	// InvalidChunk is the chunk-index sentinel denoting "not a valid
	// chunk" (the superblock chunk index is never handed out as a normal
	// allocation target, so this also conventionally marks "refers to the
	// superblock").
	InvalidChunk = (1 << ChunkBits) - 1
	// InvalidOffset is the offset sentinel paired with InvalidChunk.
	InvalidOffset = (1 << OffsetBits) - 1
)

// None is the semantic-null fat pointer: "no value". It is the zero value,
// so a pointer field that has never been written reads as None.
const None Pointer = 0

// Empty is the "free slot" / "no value yet staged" sentinel: all bits set.
const Empty Pointer = (InvalidChunk << OffsetBits) | InvalidOffset

// NewPointer packs a chunk index and offset into a fat pointer.
func NewPointer(chunk int, offset int) Pointer {
	return Pointer(uint32(chunk)<<OffsetBits | uint32(offset)&(1<<OffsetBits-1))
}

// Chunk returns the chunk index encoded in p.
func (p Pointer) Chunk() int { return int(p >> OffsetBits) }

// Offset returns the in-chunk byte offset encoded in p.
func (p Pointer) Offset() int { return int(p & (1<<OffsetBits - 1)) }

// IsNone reports whether p is the semantic-null pointer.
func (p Pointer) IsNone() bool { return p == None }

// IsEmpty reports whether p is the "empty slot" sentinel.
func (p Pointer) IsEmpty() bool { return p == Empty }

// IsValid reports whether p names an addressable chunk (neither None nor
// Empty, and not the reserved invalid-chunk index).
func (p Pointer) IsValid() bool {
	return p != None && p != Empty && p.Chunk() != InvalidChunk
}
