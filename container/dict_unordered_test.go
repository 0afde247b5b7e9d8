package container_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/container"
	"github.com/cznic/shmstore/shmerr"
)

func TestUnorderedDictSetGetDelete(t *testing.T) {
	r, h := tempRegion(t)
	d, err := container.NewUnorderedDict(r, h)
	require.NoError(t, err)

	k, err := container.NewString(r, h, "alpha")
	require.NoError(t, err)
	v, err := container.NewInt(r, h, 7)
	require.NoError(t, err)

	require.Equal(t, shmerr.OK, d.Set(k.Pointer(), v.Pointer()))

	got, ok := d.Get(k.Pointer())
	require.True(t, ok)
	require.Equal(t, v.Pointer(), got)

	container.CommitUnorderedDict(r, d.Pointer(), 0)

	got, ok = d.Get(k.Pointer())
	require.True(t, ok)
	require.Equal(t, v.Pointer(), got)

	require.Equal(t, shmerr.OK, d.Delete(k.Pointer()))
	container.CommitUnorderedDict(r, d.Pointer(), 0)

	_, ok = d.Get(k.Pointer())
	require.False(t, ok)
}

// TestDictConcurrentInsert is scenario 3 of §8: two threads insert
// 1000 distinct keys each into one dict; after both commit, every key is
// readable and the live count is 2000.
func TestDictConcurrentInsert(t *testing.T) {
	r, h := tempRegion(t)
	d, err := container.NewUnorderedDict(r, h)
	require.NoError(t, err)

	const perThread = 1000
	keys := make([]string, 0, 2*perThread)

	insert := func(prefix string) {
		for i := 0; i < perThread; i++ {
			name := fmt.Sprintf("%s-%d", prefix, i)
			k, err := container.NewString(r, h, name)
			require.NoError(t, err)
			v, err := container.NewInt(r, h, int64(i))
			require.NoError(t, err)
			require.Equal(t, shmerr.OK, d.Set(k.Pointer(), v.Pointer()))
		}
		container.CommitUnorderedDict(r, d.Pointer(), 0)
	}

	insert("a")
	insert("b")

	for i := 0; i < perThread; i++ {
		keys = append(keys, fmt.Sprintf("a-%d", i), fmt.Sprintf("b-%d", i))
	}

	count := 0
	for _, name := range keys {
		k, err := container.NewString(r, h, name)
		require.NoError(t, err)
		if _, ok := d.Get(k.Pointer()); ok {
			count++
		}
	}
	require.Equal(t, 2*perThread, count)
}
