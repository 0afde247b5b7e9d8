package container

import (
	"unsafe"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/lock"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
	"github.com/cznic/shmstore/xsync"
)

// PromiseState is the promise's one-shot state machine (§3.4, §4.6.5).
type PromiseState uint32

const (
	PromisePending PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

// promiseHeader is a promise's fixed fields: state plus its shadow pair,
// the published value, and a bitmap of waiting thread slots (§3.4, §4.6.5).
type promiseHeader struct {
	Header
	State    uint32
	NewState uint32
	HasNew   uint32
	Value    region.Pointer
	NewValue region.Pointer
	Waiters  xsync.Bitmap64
}

func overlayPromiseHeader(payload []byte) *promiseHeader {
	return (*promiseHeader)(unsafe.Pointer(&payload[0]))
}

// Promise is the process-local handle to a promise container (§3.4,
// §4.6.5).
type Promise struct {
	r   *region.Region
	ptr region.Pointer
}

// NewPromise allocates a pending promise.
func NewPromise(r *region.Region, h *alloc.Heap) (Promise, error) {
	fp, payload, err := h.GetMem(int(unsafe.Sizeof(promiseHeader{})), 0)
	if err != nil {
		return Promise{}, err
	}
	ph := overlayPromiseHeader(payload)
	ph.SetType(alloc.TypePromise)
	ph.Refcount = 1
	ph.State = uint32(PromisePending)
	return Promise{r: r, ptr: fp}, nil
}

func (p Promise) payload() []byte       { return p.r.Resolve(p.ptr) }
func (p Promise) header() *promiseHeader { return overlayPromiseHeader(p.payload()) }

// Pointer returns the fat pointer backing this promise.
func (p Promise) Pointer() region.Pointer { return p.ptr }

// State reports the promise's currently published state.
func (p Promise) State() PromiseState { return PromiseState(p.header().State) }

// Signal acquires the write lock, stages (new_state, new_value), and on
// commit publishes them and wakes every waiter (§4.6.5). It is a bug to
// signal a promise twice; callers are expected to check State() under
// the write lock first.
func Signal(env *lock.Env, self lock.ThreadRef, p Promise, state PromiseState, value region.Pointer) shmerr.Status {
	if status := env.AcquireWriter(&p.header().Lock, self); status != shmerr.OK {
		return status
	}
	hdr := p.header()
	hdr.NewState = uint32(state)
	hdr.NewValue = value
	hdr.HasNew = 1
	return shmerr.OK
}

// CommitPromise is the txn.CommitHandler for KindPromise: publishes the
// staged state/value and signals every waiting thread's ready event
// (§4.5.1, §4.6.5).
func CommitPromise(sb *region.Superblock) func(r *region.Region, fp region.Pointer, threadID uint32) {
	return func(r *region.Region, fp region.Pointer, _ uint32) {
		hdr := overlayPromiseHeader(r.Resolve(fp))
		if hdr.HasNew == 0 {
			return
		}
		hdr.State = hdr.NewState
		hdr.Value = hdr.NewValue
		hdr.HasNew = 0
		waiters := hdr.Waiters.Load()
		for i := 0; i < region.MaxThreads; i++ {
			if waiters&(1<<uint(i)) != 0 {
				hdr.Waiters.Clear(uint(i))
				sb.Thread(i).Ready.Signal()
			}
		}
	}
}

// AbortPromise is the txn.AbortHandler for KindPromise: clears the
// shadow fields without publishing anything (§4.5.1).
func AbortPromise(r *region.Region, fp region.Pointer) {
	hdr := overlayPromiseHeader(r.Resolve(fp))
	hdr.HasNew = 0
	hdr.NewState = 0
	hdr.NewValue = region.None
}

// RegisterWaiter sets self's bit in the promise's waiter bitmap (§4.6.5:
// "wait() sets own waiter bit, rechecks state").
func RegisterWaiter(p Promise, self lock.ThreadRef) {
	p.header().Waiters.Set(uint(self.Slot()))
}

// ClearWaiter clears self's bit, called unconditionally on wake (§4.6.5:
// "Waiters always clear their bit on wake").
func ClearWaiter(p Promise, self lock.ThreadRef) {
	p.header().Waiters.Clear(uint(self.Slot()))
}
