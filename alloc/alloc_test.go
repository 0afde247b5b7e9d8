package alloc_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
)

func tempRegion(t *testing.T) *region.Region {
	name := fmt.Sprintf("shmstore-alloc-test-%s-%d", t.Name(), time.Now().UnixNano())
	r, err := region.Create(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })
	return r
}

// TestSmallBlockChurn is scenario 1 of §8: repeated alloc/free of a
// fixed-size block should settle into a constant sector count once the
// free list is warm.
func TestSmallBlockChurn(t *testing.T) {
	r := tempRegion(t)
	h := alloc.NewHeap(r, 0)

	const iterations = 100000
	for i := 0; i < iterations; i++ {
		fp, payload, err := h.GetMem(200, int32(i))
		require.NoError(t, err)
		require.NotEmpty(t, payload)
		require.NoError(t, alloc.FreeMem(r, fp))
	}

	stats := h.Stats()
	require.Less(t, stats.SmallSectors, 3, "sector count should stay small once the free list is warm")
}

// TestMediumBlockSplitMerge is scenario 2 of §8: allocate 10 class-4
// blocks, free the even-indexed ones, and verify they land on class 4's
// free list.
func TestMediumBlockSplitMerge(t *testing.T) {
	r := tempRegion(t)
	h := alloc.NewHeap(r, 0)

	size := alloc.MediumSizeClasses[3] + 1
	var ptrs []region.Pointer
	for i := 0; i < 10; i++ {
		fp, _, err := h.GetMem(size, 0)
		require.NoError(t, err)
		ptrs = append(ptrs, fp)
	}

	for i := 0; i < 10; i += 2 {
		require.NoError(t, alloc.FreeMem(r, ptrs[i]))
	}

	stats := h.Stats()
	require.GreaterOrEqual(t, stats.MediumFree[4], 5)
}

// TestDebugIDRoundTrip exercises the debug_id tagging introspection path
// (SPEC_FULL §7): the two most recent get_mem tags at an address are
// readable back via DebugInfoAt after a free-then-reallocate cycle
// (§8's freshness law: same address, same class, after a free).
func TestDebugIDRoundTrip(t *testing.T) {
	r := tempRegion(t)
	h := alloc.NewHeap(r, 0)

	fp1, _, err := h.GetMem(64, 11)
	require.NoError(t, err)
	require.NoError(t, alloc.FreeMem(r, fp1))

	fp2, _, err := h.GetMem(64, 22)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2, "freshness: same-class alloc after free returns the same address")

	info := alloc.DebugInfoAt(r.Resolve(fp2))
	require.Equal(t, int32(22), info.LastID)
	require.Equal(t, int32(11), info.PrevID)
}
