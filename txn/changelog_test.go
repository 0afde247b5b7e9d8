package txn_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
	"github.com/cznic/shmstore/txn"
)

func tempRegion(t *testing.T) (*region.Region, *alloc.Heap) {
	name := fmt.Sprintf("shmstore-txn-test-%s-%d", t.Name(), time.Now().UnixNano())
	r, err := region.Create(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })
	return r, alloc.NewHeap(r, 0)
}

func TestChangeLogLazyAllocAndRecord(t *testing.T) {
	r, h := tempRegion(t)

	var ptr region.Pointer
	require.False(t, ptr.IsValid())

	cl, err := txn.EnsureChangeLog(r, h, &ptr)
	require.NoError(t, err)
	require.True(t, ptr.IsValid(), "first EnsureChangeLog call must allocate the block")
	require.Equal(t, 0, cl.Count())

	require.Equal(t, shmerr.OK, cl.Record(3))
	require.Equal(t, shmerr.OK, cl.Record(7))
	require.Equal(t, shmerr.OK, cl.Record(3), "re-recording the same slot must not grow the count")
	require.Equal(t, 2, cl.Count())
	require.ElementsMatch(t, []uint32{3, 7}, cl.Entries())

	cl2, err := txn.EnsureChangeLog(r, h, &ptr)
	require.NoError(t, err)
	require.Equal(t, ptr, cl2.Pointer(), "second call with a valid *ptr must reuse the same block")
	require.Equal(t, 2, cl2.Count())
}

func TestChangeLogGrowPreservesIndices(t *testing.T) {
	r, h := tempRegion(t)

	var ptr region.Pointer
	cl, err := txn.EnsureChangeLog(r, h, &ptr)
	require.NoError(t, err)

	for i := uint32(0); i < txn.InitialLogCapacity+5; i++ {
		require.Equal(t, shmerr.OK, cl.Record(i))
	}
	require.Equal(t, int(txn.InitialLogCapacity+5), cl.Count())

	entries := cl.Entries()
	for i := uint32(0); i < txn.InitialLogCapacity+5; i++ {
		require.Equal(t, i, entries[i], "grow must preserve existing entry order/indices")
	}
}

func TestChangeLogReset(t *testing.T) {
	r, h := tempRegion(t)

	var ptr region.Pointer
	cl, err := txn.EnsureChangeLog(r, h, &ptr)
	require.NoError(t, err)

	require.Equal(t, shmerr.OK, cl.Record(1))
	require.Equal(t, shmerr.OK, cl.Record(2))
	require.Equal(t, 2, cl.Count())

	cl.Reset()
	require.Equal(t, 0, cl.Count())
	require.Empty(t, cl.Entries())
}
