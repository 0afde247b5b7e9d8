package lock_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cznic/shmstore/lock"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
)

func tempRegion(t *testing.T) *region.Region {
	name := fmt.Sprintf("shmstore-lock-test-%s-%d", t.Name(), time.Now().UnixNano())
	r, err := region.Create(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })
	return r
}

// TestPriorityPreemption is scenario 6 of §8: an older writer and a
// younger writer contend for the same container lock. The younger holds
// it first; the older's contention marks the younger preempted. The
// younger then releases and draws a fresh ticket, which is newer than the
// older's.
func TestPriorityPreemption(t *testing.T) {
	r := tempRegion(t)
	env := lock.NewEnv(r.Superblock)
	var cl lock.ContainerLock

	oldSlot, err := r.ClaimThreadSlot()
	require.NoError(t, err)
	youngSlot, err := r.ClaimThreadSlot()
	require.NoError(t, err)

	old := lock.Ref(oldSlot)
	young := lock.Ref(youngSlot)

	oldTicket := r.Superblock.NextTicket()
	youngTicket := r.Superblock.NextTicket()
	r.Superblock.Thread(oldSlot).Ticket = oldTicket
	r.Superblock.Thread(youngSlot).Ticket = youngTicket
	require.Less(t, oldTicket, youngTicket)

	// younger acquires first, uncontended.
	require.Equal(t, shmerr.OK, env.AcquireWriter(&cl, young))

	// older now contends: younger must be preempted.
	status := env.AcquireWriter(&cl, old)
	require.Contains(t, []shmerr.Status{shmerr.OK, shmerr.WaitSignal, shmerr.Preempted}, status)

	require.NotEqual(t, uint32(0), r.Superblock.Thread(youngSlot).ThreadPreempted,
		"younger writer must observe preemption once an older contender arrives")

	// younger releases and takes a fresh ticket, as a retry would; that
	// ticket still orders after the older thread's.
	env.ReleaseWriter(&cl, young)
	freshTicket := r.Superblock.NextTicket()
	r.Superblock.Thread(youngSlot).Ticket = freshTicket
	r.Superblock.Thread(youngSlot).ThreadPreempted = 0
	require.Greater(t, freshTicket, oldTicket)
}
