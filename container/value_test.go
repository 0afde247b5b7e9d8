package container_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/container"
	"github.com/cznic/shmstore/region"
)

func tempRegion(t *testing.T) (*region.Region, *alloc.Heap) {
	name := fmt.Sprintf("shmstore-container-test-%s-%d", t.Name(), time.Now().UnixNano())
	r, err := region.Create(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })
	return r, alloc.NewHeap(r, 0)
}

func TestValueRoundTrips(t *testing.T) {
	r, h := tempRegion(t)

	b, err := container.NewBool(r, h, true)
	require.NoError(t, err)
	require.True(t, b.Bool())

	i, err := container.NewInt(r, h, -4242)
	require.NoError(t, err)
	require.Equal(t, int64(-4242), i.Int())

	f, err := container.NewFloat(r, h, 3.25)
	require.NoError(t, err)
	require.Equal(t, 3.25, f.Float())

	s, err := container.NewString(r, h, "héllo wörld")
	require.NoError(t, err)
	require.Equal(t, "héllo wörld", s.String())

	raw := []byte{1, 2, 3, 4, 5}
	by, err := container.NewBytes(r, h, raw)
	require.NoError(t, err)
	require.Equal(t, raw, by.Bytes())
}

func TestTupleAccessors(t *testing.T) {
	r, h := tempRegion(t)

	a, err := container.NewInt(r, h, 1)
	require.NoError(t, err)
	b, err := container.NewInt(r, h, 2)
	require.NoError(t, err)

	tup, err := container.NewTuple(r, h, []region.Pointer{a.Pointer(), b.Pointer()})
	require.NoError(t, err)
	require.Equal(t, 2, tup.Len())

	v0, err := tup.GetValue(0)
	require.NoError(t, err)
	require.Equal(t, int64(1), v0.Int())

	_, err = tup.Get(2)
	require.Error(t, err)
}
