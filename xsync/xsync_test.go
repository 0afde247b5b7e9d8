package xsync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/xsync"
)

func TestEventSignalWait(t *testing.T) {
	var e xsync.Event
	require.False(t, e.Ready())

	done := make(chan bool, 1)
	go func() { done <- e.Wait(2 * time.Second) }()

	time.Sleep(10 * time.Millisecond)
	e.Signal()
	require.True(t, <-done)
	require.True(t, e.Ready())

	e.Reset()
	require.False(t, e.Ready())
}

func TestEventWaitTimesOut(t *testing.T) {
	var e xsync.Event
	require.False(t, e.Wait(10*time.Millisecond))
}

func TestBitmap64SetClearTest(t *testing.T) {
	var b xsync.Bitmap64
	require.True(t, b.Empty())

	require.False(t, b.Set(3))
	require.True(t, b.Test(3))
	require.True(t, b.Set(3), "second Set must report the bit was already set")

	i, ok := b.Lowest()
	require.True(t, ok)
	require.Equal(t, uint(3), i)

	require.True(t, b.Clear(3))
	require.False(t, b.Test(3))
	require.True(t, b.Empty())
}

func TestSimpleLockExclusion(t *testing.T) {
	var l xsync.SimpleLock
	l.Acquire(1)
	require.True(t, l.Owned(1))

	acquired := make(chan struct{})
	go func() {
		l.Acquire(2)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer must block while thread 1 holds the lock")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release()
	<-acquired
	require.True(t, l.Owned(2))
	l.Release()
}
