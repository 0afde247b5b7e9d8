package txn

import (
	"unsafe"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
)

// InitialLogCapacity is a per-container change log's starting slot
// capacity (§4.6.1: "up to a small fixed number (≈20)").
const InitialLogCapacity = 20

// changeLogHeader is the fixed-size preamble of a change log block,
// overlaid directly onto shared memory (§4.6.1). The touched-slot indices
// follow immediately after as a flat uint32 array sized by Capacity.
type changeLogHeader struct {
	alloc.RefcountHeader
	Count    uint32
	Capacity uint32
}

func overlayChangeLog(b []byte) *changeLogHeader {
	return (*changeLogHeader)(unsafe.Pointer(&b[0]))
}

func changeLogEntries(h *changeLogHeader, payload []byte) []uint32 {
	off := int(unsafe.Sizeof(*h))
	base := (*uint32)(unsafe.Pointer(&payload[off]))
	return unsafe.Slice(base, int(h.Capacity))
}

func changeLogSize(capacity int) int {
	var h changeLogHeader
	return int(unsafe.Sizeof(h)) + capacity*4
}

// ChangeLog is the process-local handle to a container's shared-memory
// change log block: a refcounted record of which slots were touched by
// the current transaction, visited once at commit/abort (§4.6.1).
type ChangeLog struct {
	r   *region.Region
	h   *alloc.Heap
	ptr region.Pointer
}

// EnsureChangeLog returns the existing change log at *ptr, or allocates a
// fresh InitialLogCapacity-sized one and stores its pointer if *ptr is
// None, the log is allocated lazily on first modification (§4.6.1).
func EnsureChangeLog(r *region.Region, h *alloc.Heap, ptr *region.Pointer) (*ChangeLog, error) {
	if !ptr.IsValid() {
		fp, payload, err := h.GetMem(changeLogSize(InitialLogCapacity), 0)
		if err != nil {
			return nil, err
		}
		hdr := overlayChangeLog(payload)
		hdr.SetType(alloc.TypeChangeLog)
		hdr.Capacity = InitialLogCapacity
		hdr.Count = 0
		hdr.Refcount = 1
		*ptr = fp
	}
	return &ChangeLog{r: r, h: h, ptr: *ptr}, nil
}

func (c *ChangeLog) payload() []byte { return c.r.Resolve(c.ptr) }
func (c *ChangeLog) header() *changeLogHeader { return overlayChangeLog(c.payload()) }

// Count returns the number of touched slots currently logged.
func (c *ChangeLog) Count() int { return int(c.header().Count) }

// Entries returns the logged slot indices, in record order.
func (c *ChangeLog) Entries() []uint32 {
	hdr := c.header()
	return append([]uint32(nil), changeLogEntries(hdr, c.payload())[:hdr.Count]...)
}

// Record appends slot to the log unless it is already present, growing the
// log (preserving existing indices) if it is full. Callers are expected to
// gate this with a per-slot `changed` flag so each slot is recorded at
// most once per transaction (§4.6.1); Record itself also de-duplicates as
// a safety net against double-recording.
func (c *ChangeLog) Record(slot uint32) shmerr.Status {
	hdr := c.header()
	entries := changeLogEntries(hdr, c.payload())
	for i := uint32(0); i < hdr.Count; i++ {
		if entries[i] == slot {
			return shmerr.OK
		}
	}
	if hdr.Count >= hdr.Capacity {
		if err := c.grow(); err != nil {
			return shmerr.Failure
		}
		hdr = c.header()
		entries = changeLogEntries(hdr, c.payload())
	}
	entries[hdr.Count] = slot
	hdr.Count++
	return shmerr.OK
}

// grow doubles the log's capacity, copying existing entries into a new
// block at the same indices and releasing the old one (§4.6.1: "the
// implementation may grow it (preserving indices) but must not silently
// drop entries").
func (c *ChangeLog) grow() error {
	hdr := c.header()
	oldEntries := append([]uint32(nil), changeLogEntries(hdr, c.payload())[:hdr.Count]...)
	newCap := int(hdr.Capacity) * 2

	fp, payload, err := c.h.GetMem(changeLogSize(newCap), 0)
	if err != nil {
		return err
	}
	newHdr := overlayChangeLog(payload)
	newHdr.SetType(alloc.TypeChangeLog)
	newHdr.Capacity = uint32(newCap)
	newHdr.Count = uint32(len(oldEntries))
	newHdr.Refcount = 1
	copy(changeLogEntries(newHdr, payload), oldEntries)

	old := c.ptr
	c.ptr = fp
	return alloc.FreeMem(c.r, old)
}

// RecordPair appends the two-word entry (a, b) unless an identical pair
// is already logged, growing the log (preserving existing pairs) if it is
// full. Use this instead of Record when a touched entity's identity does
// not fit in one slot, e.g. a chained container's (block pointer, in-block
// index) pair (§4.6.1's "(sub-container, index) pair").
func (c *ChangeLog) RecordPair(a, b uint32) shmerr.Status {
	hdr := c.header()
	entries := changeLogEntries(hdr, c.payload())
	for i := uint32(0); i+1 < hdr.Count; i += 2 {
		if entries[i] == a && entries[i+1] == b {
			return shmerr.OK
		}
	}
	if hdr.Count+2 > hdr.Capacity {
		if err := c.grow(); err != nil {
			return shmerr.Failure
		}
		hdr = c.header()
		entries = changeLogEntries(hdr, c.payload())
	}
	entries[hdr.Count] = a
	entries[hdr.Count+1] = b
	hdr.Count += 2
	return shmerr.OK
}

// PairEntries returns the logged (a, b) pairs recorded via RecordPair, in
// record order.
func (c *ChangeLog) PairEntries() [][2]uint32 {
	hdr := c.header()
	flat := changeLogEntries(hdr, c.payload())[:hdr.Count]
	pairs := make([][2]uint32, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		pairs = append(pairs, [2]uint32{flat[i], flat[i+1]})
	}
	return pairs
}

// RewritePairKey replaces every RecordPair entry's first word equal to
// oldKey with newKey, leaving its paired second word untouched. A
// container that migrates a touched block to a new allocation mid-
// transaction (e.g. List.growBlock) calls this before freeing the old
// block, so already-logged touches still resolve once the old block is
// gone.
func (c *ChangeLog) RewritePairKey(oldKey, newKey uint32) {
	hdr := c.header()
	entries := changeLogEntries(hdr, c.payload())[:hdr.Count]
	for i := 0; i+1 < len(entries); i += 2 {
		if entries[i] == oldKey {
			entries[i] = newKey
		}
	}
}

// Reset clears the log after commit/abort has visited every entry,
// per §4.5.1's "clears shadow flags... and resets the change log count
// to 0" and §8's post-condition that the change log count is 0.
func (c *ChangeLog) Reset() {
	c.header().Count = 0
}

// Pointer returns the fat pointer backing this change log, for storing
// into a container's header field.
func (c *ChangeLog) Pointer() region.Pointer { return c.ptr }
