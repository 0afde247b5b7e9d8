package container_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/container"
	"github.com/cznic/shmstore/lock"
	"github.com/cznic/shmstore/shmerr"
)

func TestPromisePendingUntilSignaled(t *testing.T) {
	r, h := tempRegion(t)
	p, err := container.NewPromise(r, h)
	require.NoError(t, err)
	require.Equal(t, container.PromisePending, p.State())

	slot, err := r.ClaimThreadSlot()
	require.NoError(t, err)
	self := lock.Ref(slot)
	env := lock.NewEnv(r.Superblock)

	v, err := container.NewString(r, h, "ok")
	require.NoError(t, err)

	require.Equal(t, shmerr.OK, container.Signal(env, self, p, container.PromiseFulfilled, v.Pointer()))
	require.Equal(t, container.PromisePending, p.State(), "state stays pending until commit publishes it")

	container.CommitPromise(r.Superblock)(r, p.Pointer(), 0)
	require.Equal(t, container.PromiseFulfilled, p.State())
}

// TestPromiseFanOut is scenario 5 of §8: two threads wait on one
// promise; a third signals it fulfilled with value "ok"; both waiters
// wake observing state == fulfilled.
func TestPromiseFanOut(t *testing.T) {
	r, h := tempRegion(t)
	p, err := container.NewPromise(r, h)
	require.NoError(t, err)

	waiterSlots := make([]int, 2)
	for i := range waiterSlots {
		slot, err := r.ClaimThreadSlot()
		require.NoError(t, err)
		waiterSlots[i] = slot
		container.RegisterWaiter(p, lock.Ref(slot))
	}

	var wg sync.WaitGroup
	results := make([]container.PromiseState, len(waiterSlots))
	for i, slot := range waiterSlots {
		wg.Add(1)
		go func(i, slot int) {
			defer wg.Done()
			ts := r.Superblock.Thread(slot)
			ts.Ready.Wait(2 * time.Second)
			container.ClearWaiter(p, lock.Ref(slot))
			results[i] = p.State()
		}(i, slot)
	}

	signalerSlot, err := r.ClaimThreadSlot()
	require.NoError(t, err)
	self := lock.Ref(signalerSlot)
	env := lock.NewEnv(r.Superblock)

	v, err := container.NewString(r, h, "ok")
	require.NoError(t, err)
	require.Equal(t, shmerr.OK, container.Signal(env, self, p, container.PromiseFulfilled, v.Pointer()))
	container.CommitPromise(r.Superblock)(r, p.Pointer(), 0)

	wg.Wait()
	for _, got := range results {
		require.Equal(t, container.PromiseFulfilled, got)
	}
	require.Equal(t, container.PromiseFulfilled, p.State())
}

// TestPromiseRegisterWaiterConcurrent drives many goroutines' RegisterWaiter
// calls genuinely concurrently (unlike TestPromiseFanOut, where every
// RegisterWaiter call completes before the first goroutine starts), so a
// lost update between two racing bit sets would drop a waiter's bit and
// leave its thread unsignaled below.
func TestPromiseRegisterWaiterConcurrent(t *testing.T) {
	r, h := tempRegion(t)
	p, err := container.NewPromise(r, h)
	require.NoError(t, err)

	const n = 32
	slots := make([]int, n)
	for i := range slots {
		slot, err := r.ClaimThreadSlot()
		require.NoError(t, err)
		slots[i] = slot
	}

	var registered sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	for _, slot := range slots {
		registered.Add(1)
		go func(slot int) {
			defer registered.Done()
			start.Wait()
			container.RegisterWaiter(p, lock.Ref(slot))
		}(slot)
	}
	start.Done()
	registered.Wait()

	var woken sync.WaitGroup
	signaled := make([]bool, n)
	for i, slot := range slots {
		woken.Add(1)
		go func(i, slot int) {
			defer woken.Done()
			ts := r.Superblock.Thread(slot)
			signaled[i] = ts.Ready.Wait(2 * time.Second)
			container.ClearWaiter(p, lock.Ref(slot))
		}(i, slot)
	}

	signalerSlot, err := r.ClaimThreadSlot()
	require.NoError(t, err)
	self := lock.Ref(signalerSlot)
	env := lock.NewEnv(r.Superblock)

	v, err := container.NewString(r, h, "ok")
	require.NoError(t, err)
	require.Equal(t, shmerr.OK, container.Signal(env, self, p, container.PromiseFulfilled, v.Pointer()))
	container.CommitPromise(r.Superblock)(r, p.Pointer(), 0)

	woken.Wait()
	for i := range slots {
		require.True(t, signaled[i], "waiter %d never woke: its RegisterWaiter bit was lost to a race", i)
	}
}
