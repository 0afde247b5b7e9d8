package refc

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
)

// TransactionModeIdle mirrors txn.ModeIdle's numeric value; it is
// duplicated here so that refc does not import txn. Both packages encode
// the same NONE<IDLE<TRANSIENT<PERSISTENT ordering from §4.5.
const TransactionModeIdle = 1

// Destructor is called once for a dead block of a given type before its
// bytes are freed. The container package registers one destructor per
// container type; those free the container's own internal blocks (tables,
// change log, list blocks) and do not release or decrement the element fat
// pointers the container holds. alloc.TypeRaw and alloc.TypeFree blocks
// need none.
type Destructor func(r *region.Region, payload []byte)

// Reclaimer runs in the coordinator process, draining every attached
// thread's deferred free-list after a grace period (§4.3).
type Reclaimer struct {
	r           *region.Region
	sb          *region.Superblock
	log         zerolog.Logger
	heaps       map[uint32]*alloc.Heap // owning heap per thread slot, for returning freed bytes
	destructors map[alloc.BlockType]Destructor
	gracePoll   time.Duration
}

// NewReclaimer constructs a Reclaimer. heaps must contain every thread
// slot's owning Heap so freed blocks can be returned to the correct
// allocator (§4.3: "return its bytes to the owning heap via the
// allocator, holding that heap's lock").
func NewReclaimer(r *region.Region, heaps map[uint32]*alloc.Heap, log zerolog.Logger) *Reclaimer {
	return &Reclaimer{
		r:           r,
		sb:          r.Superblock,
		log:         log,
		heaps:       heaps,
		destructors: make(map[alloc.BlockType]Destructor),
		gracePoll:   500 * time.Microsecond,
	}
}

// Register attaches a type-specific destructor, called once per reclaimed
// block of that type before its bytes are returned to the heap.
func (rc *Reclaimer) Register(t alloc.BlockType, d Destructor) {
	rc.destructors[t] = d
}

// RunOnce performs one reclamation pass: detach, mark, wait out the grace
// period, then physically free dead blocks (§4.3 steps 1-4). It blocks
// until the grace period completes; callers typically run it in a loop
// gated by the superblock's "has garbage" event.
func (rc *Reclaimer) RunOnce() {
	head := rc.detachAll()
	if head.IsNone() || head.IsEmpty() {
		return
	}

	snapshot := rc.markNonIdle()
	rc.waitGracePeriod(snapshot)
	rc.sweep(head)
}

// detachAll implements step 1: exchange every thread's published
// free-list head with Empty and splice them into one private chain.
func (rc *Reclaimer) detachAll() region.Pointer {
	var spliceHead region.Pointer = region.Empty
	for i := 0; i < region.MaxThreads; i++ {
		slot := rc.sb.Thread(i)
		if atomic.LoadUint32(&slot.InUse) == 0 {
			continue
		}
		detached := Detach(slot)
		if detached.IsNone() || detached.IsEmpty() {
			continue
		}
		// splice detached onto spliceHead by walking to its tail.
		cur := detached
		for {
			c := overlayFreeListChunk(rc.r.Resolve(cur))
			if c.Next.IsEmpty() || c.Next.IsNone() {
				c.Next = spliceHead
				break
			}
			cur = c.Next
		}
		spliceHead = detached
	}
	return spliceHead
}

// markNonIdle implements step 2: flag every thread whose mode is at
// least TRANSIENT with test_finished=1 and return the snapshotted slot
// indices to wait on.
func (rc *Reclaimer) markNonIdle() []int {
	var snapshot []int
	for i := 0; i < region.MaxThreads; i++ {
		slot := rc.sb.Thread(i)
		if atomic.LoadUint32(&slot.InUse) == 0 {
			continue
		}
		if atomic.LoadUint32(&slot.Mode) >= TransactionModeIdle+1 {
			atomic.StoreUint32(&slot.TestFinished, 1)
			snapshot = append(snapshot, i)
		}
	}
	return snapshot
}

// waitGracePeriod implements step 3: poll until every snapshotted thread
// has cleared test_finished (observed it) or dropped back to idle.
func (rc *Reclaimer) waitGracePeriod(snapshot []int) {
	for len(snapshot) > 0 {
		remaining := snapshot[:0]
		for _, i := range snapshot {
			slot := rc.sb.Thread(i)
			if atomic.LoadUint32(&slot.TestFinished) == 0 || atomic.LoadUint32(&slot.Mode) < TransactionModeIdle+1 {
				continue // this thread has quiesced
			}
			remaining = append(remaining, i)
		}
		snapshot = remaining
		if len(snapshot) > 0 {
			time.Sleep(rc.gracePoll)
		}
	}
	rc.log.Debug().Msg("reclaimer: grace period complete")
}

// sweep implements step 4: walk the spliced chain, skipping blocks
// revived mid-grace-period, destroying and freeing the rest.
func (rc *Reclaimer) sweep(head region.Pointer) {
	freed := 0
	for cur := head; !cur.IsNone() && !cur.IsEmpty(); {
		payload := rc.r.Resolve(cur)
		c := overlayFreeListChunk(payload)
		next := c.Next
		for i := uint32(0); i < c.Count; i++ {
			rc.reclaimOne(c.Entries[i])
			freed++
		}
		_ = alloc.FreeMem(rc.r, cur) // the chunk block itself
		cur = next
	}
	if freed > 0 {
		rc.log.Debug().Int("freed", freed).Msg("reclaimer: swept blocks")
	}
}

func (rc *Reclaimer) reclaimOne(fp region.Pointer) {
	if !fp.IsValid() {
		return
	}
	payload := rc.r.Resolve(fp)
	if !dead(payload) {
		bumpReleaseCount(payload)
		return
	}
	h := alloc.OverlayRefcountHeader(payload)
	if d, ok := rc.destructors[h.Type()]; ok {
		d(rc.r, payload)
	}
	_ = alloc.FreeMem(rc.r, fp)
}
