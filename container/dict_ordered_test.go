package container_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/container"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
)

func TestOrderedDictSetGetCommit(t *testing.T) {
	r, h := tempRegion(t)
	d, err := container.NewOrderedDict(r, h)
	require.NoError(t, err)

	k, err := container.NewString(r, h, "key-one")
	require.NoError(t, err)
	v, err := container.NewInt(r, h, 123)
	require.NoError(t, err)

	require.Equal(t, shmerr.OK, d.Set(k.Pointer(), v.Pointer()))

	got, ok := d.Get(k.Pointer())
	require.True(t, ok)
	require.Equal(t, v.Pointer(), got)

	container.CommitOrderedDict(r, d.Pointer(), 0)

	got, ok = d.Get(k.Pointer())
	require.True(t, ok)
	require.Equal(t, v.Pointer(), got)
}

// TestOrderedDictDelete_Basic exercises the staged-tombstone path: after a
// committed delete the key is no longer found, and deleting it again
// reports Invalid.
func TestOrderedDictDelete_Basic(t *testing.T) {
	r, h := tempRegion(t)
	d, err := container.NewOrderedDict(r, h)
	require.NoError(t, err)

	k, err := container.NewString(r, h, "key-two")
	require.NoError(t, err)
	v, err := container.NewInt(r, h, 7)
	require.NoError(t, err)

	require.Equal(t, shmerr.OK, d.Set(k.Pointer(), v.Pointer()))
	container.CommitOrderedDict(r, d.Pointer(), 0)

	require.Equal(t, shmerr.OK, d.Delete(k.Pointer()))
	container.CommitOrderedDict(r, d.Pointer(), 0)

	_, ok := d.Get(k.Pointer())
	require.False(t, ok)

	require.Equal(t, shmerr.Invalid, d.Delete(k.Pointer()))
}

// TestOrderedDictCollisionNesting forces several keys to share a trie
// path, driving the collision-nesting branch of Set (§4.6.4), and
// verifies all keys remain independently readable after commit.
func TestOrderedDictCollisionNesting(t *testing.T) {
	r, h := tempRegion(t)
	d, err := container.NewOrderedDict(r, h)
	require.NoError(t, err)

	const n = 64
	keys := make([]string, n)
	vals := make([]region.Pointer, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("collide-%d", i)
		keys[i] = name
		k, err := container.NewString(r, h, name)
		require.NoError(t, err)
		v, err := container.NewInt(r, h, int64(i))
		require.NoError(t, err)
		vals[i] = v.Pointer()
		require.Equal(t, shmerr.OK, d.Set(k.Pointer(), v.Pointer()))
	}
	container.CommitOrderedDict(r, d.Pointer(), 0)

	for i, name := range keys {
		k, err := container.NewString(r, h, name)
		require.NoError(t, err)
		got, ok := d.Get(k.Pointer())
		require.True(t, ok)
		require.Equal(t, vals[i], got)
	}
}
