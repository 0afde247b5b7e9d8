package refc_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/refc"
	"github.com/cznic/shmstore/region"
)

func tempRegion(t *testing.T) *region.Region {
	name := fmt.Sprintf("shmstore-refc-test-%s-%d", t.Name(), time.Now().UnixNano())
	r, err := region.Create(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })
	return r
}

func TestAcqReleaseAlive(t *testing.T) {
	r := tempRegion(t)
	h := alloc.NewHeap(r, 0)

	_, payload, err := h.GetMem(64, 0)
	require.NoError(t, err)
	hdr := alloc.OverlayRefcountHeader(payload)
	hdr.Refcount = 1
	require.True(t, refc.Alive(payload))

	refc.Acq(payload)
	require.Equal(t, uint32(2), hdr.Refcount)

	require.False(t, refc.Release(payload))
	require.True(t, refc.Release(payload))
	require.Equal(t, uint32(0), hdr.Refcount)
}

// TestReclaimAfterGracePeriod exercises the grace-period reclamation
// walk of §4.3: an idle thread defers enough dead blocks to fill one
// free-list chunk, which publishes it; the blocks are swept and their
// destructor invoked on the very first RunOnce, since an idle thread is
// never part of the reclaimer's non-idle snapshot.
func TestReclaimAfterGracePeriod(t *testing.T) {
	r := tempRegion(t)
	slot, err := r.ClaimThreadSlot()
	require.NoError(t, err)
	h := alloc.NewHeap(r, uint32(slot))

	tf := refc.NewThreadFree(r, h, uint32(slot), r.Superblock.Thread(slot))
	for i := 0; i < refc.FreeListCapacity; i++ {
		fp, payload, err := h.GetMem(64, 0)
		require.NoError(t, err)
		hdr := alloc.OverlayRefcountHeader(payload)
		hdr.Refcount = 1
		hdr.SetType(alloc.TypeRaw)

		require.True(t, refc.Release(payload), "single-owner release should report reachedZero")
		require.NoError(t, tf.Defer(fp))
	}

	destructed := false
	rc := refc.NewReclaimer(r, map[uint32]*alloc.Heap{uint32(slot): h}, zerolog.Nop())
	rc.Register(alloc.TypeRaw, func(rr *region.Region, p []byte) { destructed = true })

	rc.RunOnce()
	require.True(t, destructed, "reclaimer must invoke the registered destructor for a dead block")
}
