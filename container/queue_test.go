package container_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/container"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
)

func TestQueuePushPopFIFO(t *testing.T) {
	r, h := tempRegion(t)
	q, err := container.NewQueue(r, h)
	require.NoError(t, err)

	var want []region.Pointer
	for i := int64(0); i < 5; i++ {
		v, err := container.NewInt(r, h, i)
		require.NoError(t, err)
		require.Equal(t, shmerr.OK, q.Push(v.Pointer()))
		want = append(want, v.Pointer())
	}
	container.CommitQueue(r, q.Pointer(), 0)
	require.Equal(t, 5, q.Len())

	for _, exp := range want {
		got, status := q.Pop()
		require.Equal(t, shmerr.OK, status)
		container.CommitQueue(r, q.Pointer(), 0)
		require.Equal(t, exp, got)
	}
	require.Equal(t, 0, q.Len())

	_, status := q.Pop()
	require.Equal(t, shmerr.Invalid, status)
}
