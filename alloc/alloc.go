package alloc

import (
	"fmt"

	"github.com/cznic/shmstore/region"
)

// smallMax is the largest payload size still served by the small-block
// allocator; above it, get_mem dispatches to the medium allocator.
var smallMax = SizeClasses[len(SizeClasses)-1]

// Heap is a single thread's allocator, combining the small and medium
// sub-allocators behind the get_mem/free_mem contract (§4.2).
type Heap struct {
	Small *SmallHeap
	Med   *MediumHeap
}

// NewHeap constructs a Heap for threadID, backed by region r.
func NewHeap(r *region.Region, threadID uint32) *Heap {
	return &Heap{
		Small: NewSmallHeap(r, threadID),
		Med:   NewMediumHeap(r, threadID),
	}
}

// GetMem allocates size bytes, dispatching to the small or medium
// sub-allocator, and returns the fat pointer plus a process-local view of
// the payload, zeroed. size == 0 returns (None, nil, nil) per §4.2.
func (h *Heap) GetMem(size int, debugID int32) (region.Pointer, []byte, error) {
	if size == 0 {
		return region.None, nil, nil
	}
	if size <= smallMax {
		return h.Small.GetMem(size, debugID)
	}
	return h.Med.GetMem(size, debugID)
}

// FreeMem returns a block to its owning heap, dispatching small vs medium
// by the sector's chunk kind (§4.2 "on free").
func FreeMem(r *region.Region, fp region.Pointer) error {
	if !fp.IsValid() {
		return nil
	}
	switch dispatchSector(r, fp) {
	case region.KindThreadSector:
		return FreeSmall(r, fp)
	case region.KindThreadSectorFlex:
		return FreeMedium(r, fp)
	default:
		return fmt.Errorf("alloc: free_mem: chunk %d is not an allocator sector", fp.Chunk())
	}
}

// WriteGuarded copies src into the payload and then writes the guard word
// into the payload's last four bytes. FreeMem does not check the guard;
// CheckGuard does, when a caller asks.
func WriteGuarded(payload []byte, src []byte) {
	n := copy(payload, src)
	writeGuard(payload, len(payload))
	_ = n
}

// CheckGuard validates the trailing guard word of payload.
func CheckGuard(payload []byte) bool {
	return checkGuard(payload, len(payload))
}
