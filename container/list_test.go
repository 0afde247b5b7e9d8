package container_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/container"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
)

func TestListAppendAndCommit(t *testing.T) {
	r, h := tempRegion(t)
	l, err := container.NewList(r, h)
	require.NoError(t, err)

	v, err := container.NewInt(r, h, 99)
	require.NoError(t, err)
	require.Equal(t, shmerr.OK, l.Append(v.Pointer()))

	container.CommitList(r, l.Pointer(), 0)
	require.Equal(t, 1, l.Len())
}

// TestListCommitLastBlockSwap exercises an append that grows the dense
// block several times (doubling 8->16->32...), followed by commit: the
// new (larger) block must be reachable and the Get accessor must still
// resolve every element (§4.6.2).
func TestListCommitLastBlockSwap(t *testing.T) {
	r, h := tempRegion(t)
	l, err := container.NewList(r, h)
	require.NoError(t, err)

	var ptrs []region.Pointer
	for i := 0; i < 20; i++ {
		v, err := container.NewInt(r, h, int64(i))
		require.NoError(t, err)
		status := l.Append(v.Pointer())
		require.Equal(t, shmerr.OK, status)
		container.CommitList(r, l.Pointer(), 0)
		ptrs = append(ptrs, v.Pointer())
	}
	require.Equal(t, 20, l.Len())

	for i, want := range ptrs {
		got, err := l.Get(i)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	for i := 0; i < 5; i++ {
		got, status := l.PopFront()
		require.Equal(t, shmerr.OK, status)
		container.CommitList(r, l.Pointer(), 0)
		require.Equal(t, ptrs[i], got)
	}
	require.Equal(t, 15, l.Len())

	for i, want := range ptrs[5:] {
		got, err := l.Get(i)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err = l.Get(15)
	require.Error(t, err)
}

// TestListChainedBlockTouchesApplyToCorrectBlock drives enough appends to
// cross the per-block capacity ceiling (doubling stops at 4096 and a new
// chained block starts), promoting the list to indexed form, then appends
// into the new tail block too. Every element, in both the original and the
// chained block, must read back correctly after commit: a change-log entry
// recorded for a chained block must be applied against that block, not
// against whatever the list's head block happens to be (§4.6.1, §4.6.2).
func TestListChainedBlockTouchesApplyToCorrectBlock(t *testing.T) {
	r, h := tempRegion(t)
	l, err := container.NewList(r, h)
	require.NoError(t, err)

	const n = 4096 + 25
	var ptrs []region.Pointer
	for i := 0; i < n; i++ {
		v, err := container.NewInt(r, h, int64(i))
		require.NoError(t, err)
		require.Equal(t, shmerr.OK, l.Append(v.Pointer()))
		container.CommitList(r, l.Pointer(), 0)
		ptrs = append(ptrs, v.Pointer())
	}
	require.Equal(t, n, l.Len())

	for i, want := range ptrs {
		got, err := l.Get(i)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
