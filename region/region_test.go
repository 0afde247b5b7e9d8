package region_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/region"
)

func tempRegionName(t *testing.T) string {
	return fmt.Sprintf("shmstore-test-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestCreateAttachRoundTrip(t *testing.T) {
	name := tempRegionName(t)
	r, err := region.Create(name)
	require.NoError(t, err)
	defer func() { _ = r.Release() }()

	require.True(t, r.IsCoordinator())
	require.Equal(t, 1, r.Superblock.ChunkCount())

	idx, err := r.AllocChunk(1, region.KindThreadSector)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Equal(t, 2, r.Superblock.ChunkCount())

	p := region.NewPointer(idx, 42)
	copy(r.Resolve(p), []byte("hello"))

	a2, err := region.Attach(name)
	require.NoError(t, err)
	defer func() { _ = a2.Release() }()

	require.False(t, a2.IsCoordinator())
	require.Equal(t, 2, a2.Superblock.ChunkCount())
	require.Equal(t, "hello", string(a2.Resolve(p)[:5]))
}

func TestClaimThreadSlotExclusive(t *testing.T) {
	name := tempRegionName(t)
	r, err := region.Create(name)
	require.NoError(t, err)
	defer func() { _ = r.Release() }()

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		slot, err := r.ClaimThreadSlot()
		require.NoError(t, err)
		require.False(t, seen[slot])
		seen[slot] = true
	}
}
