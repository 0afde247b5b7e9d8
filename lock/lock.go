package lock

import (
	"sync/atomic"

	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
	"github.com/cznic/shmstore/xsync"
)

// ContainerLock is the lock header embedded at a fixed offset in every
// mutable container (§4.4). It contains no Go-heap pointers, so it is
// safe to place directly in shared memory.
type ContainerLock struct {
	ReaderLock      xsync.Bitmap64
	writerLock      uint32 // ThreadRef
	nextWriter      uint32 // ThreadRef
	QueueThreads    xsync.Bitmap64
	transactionData uint32 // non-zero while a write transaction is open
	InProgressLocks uint32 // diagnostics: count of writer locks ever granted
}

func (cl *ContainerLock) writer() ThreadRef     { return loadRef(&cl.writerLock) }
func (cl *ContainerLock) next() ThreadRef       { return loadRef(&cl.nextWriter) }
func (cl *ContainerLock) hasTxnData() bool      { return atomic.LoadUint32(&cl.transactionData) != 0 }
func (cl *ContainerLock) setTxnData(v bool) {
	if v {
		atomic.StoreUint32(&cl.transactionData, 1)
	} else {
		atomic.StoreUint32(&cl.transactionData, 0)
	}
}

// Env bundles the superblock access a lock needs to compare thread
// priorities and reach a thread's preemption/ready fields (§4.4.1).
type Env struct {
	sb *region.Superblock
}

// NewEnv constructs a lock Env bound to a region's superblock.
func NewEnv(sb *region.Superblock) *Env { return &Env{sb: sb} }

func (e *Env) ticket(ref ThreadRef) uint32 {
	if ref.IsNone() {
		return 0
	}
	return atomic.LoadUint32(&e.sb.Thread(ref.Slot()).Ticket)
}

// older returns true iff a and b are both active tickets (non-zero) and a
// precedes b (§4.4: "a != 0 && b != 0 && a < b").
func older(a, b uint32) bool { return a != 0 && b != 0 && a < b }

func (e *Env) preempt(ref ThreadRef) {
	slot := e.sb.Thread(ref.Slot())
	atomic.CompareAndSwapUint32(&slot.ThreadPreempted, 0, 1)
	slot.Ready.Signal()
}

func (e *Env) isPreempted(self ThreadRef) bool {
	return atomic.LoadUint32(&e.sb.Thread(self.Slot()).ThreadPreempted) != 0
}

// oldestWriter returns whichever of {writer_lock, next_writer} is older,
// or NoThread if neither is set (§4.4.2 step 2).
func (e *Env) oldestWriter(cl *ContainerLock) ThreadRef {
	w, nw := cl.writer(), cl.next()
	switch {
	case w.IsNone():
		return nw
	case nw.IsNone():
		return w
	case older(e.ticket(nw), e.ticket(w)):
		return nw
	default:
		return w
	}
}

// anyOlderContender reports whether any current reader, the writer,
// the next-writer, or a queued thread is strictly older than self.
func (e *Env) anyOlderContender(cl *ContainerLock, self ThreadRef, selfTicket uint32) bool {
	readers := cl.ReaderLock.Load()
	for i := 0; i < region.MaxThreads; i++ {
		if readers&(1<<uint(i)) == 0 {
			continue
		}
		if Ref(i) == self {
			continue
		}
		if older(e.ticket(Ref(i)), selfTicket) {
			return true
		}
	}
	if w := cl.writer(); !w.IsNone() && w != self && older(e.ticket(w), selfTicket) {
		return true
	}
	if nw := cl.next(); !nw.IsNone() && nw != self && older(e.ticket(nw), selfTicket) {
		return true
	}
	queue := cl.QueueThreads.Load()
	for i := 0; i < region.MaxThreads; i++ {
		if queue&(1<<uint(i)) == 0 {
			continue
		}
		if Ref(i) == self {
			continue
		}
		if older(e.ticket(Ref(i)), selfTicket) {
			return true
		}
	}
	return false
}

// AcquireReader implements §4.4.2.
func (e *Env) AcquireReader(cl *ContainerLock, self ThreadRef) shmerr.Status {
	if e.isPreempted(self) {
		return shmerr.Preempted
	}
	selfTicket := e.ticket(self)
	slot := self.Slot()

	if cl.ReaderLock.Test(uint(slot)) {
		w := cl.writer()
		if w.IsNone() || w == self || !older(e.ticket(w), selfTicket) {
			return shmerr.OK
		}
	}

	if oldestW := e.oldestWriter(cl); !oldestW.IsNone() && oldestW != self && older(e.ticket(oldestW), selfTicket) {
		return shmerr.Preempted
	}

	cl.ReaderLock.Set(uint(slot))

	if e.anyOlderContender(cl, self, selfTicket) {
		return shmerr.Preempted // bit stays set; caller re-checks per §4.4.2 step 4
	}

	e.preemptYoungerWriters(cl, self, selfTicket)

	if cl.writer().IsNone() {
		return shmerr.OK
	}
	return shmerr.WaitSignal
}

func (e *Env) preemptYoungerWriters(cl *ContainerLock, self ThreadRef, selfTicket uint32) {
	if w := cl.writer(); !w.IsNone() && w != self && !older(e.ticket(w), selfTicket) {
		e.preempt(w)
	}
	if nw := cl.next(); !nw.IsNone() && nw != self && !older(e.ticket(nw), selfTicket) {
		e.preempt(nw)
	}
}

// ReleaseReader implements §4.4.4's reader half: clear the bit and, if no
// readers remain, signal next_writer.
func (e *Env) ReleaseReader(cl *ContainerLock, self ThreadRef) {
	cl.ReaderLock.Clear(uint(self.Slot()))
	if cl.ReaderLock.Empty() {
		if nw := cl.next(); !nw.IsNone() {
			e.sb.Thread(nw.Slot()).Ready.Signal()
		}
	}
}

// AcquireWriter implements §4.4.3.
func (e *Env) AcquireWriter(cl *ContainerLock, self ThreadRef) shmerr.Status {
	if e.isPreempted(self) {
		return shmerr.Preempted
	}
	selfTicket := e.ticket(self)

	if e.anyOlderContender(cl, self, selfTicket) {
		return shmerr.Preempted
	}

	if cl.writer() == self {
		if e.anyOlderContender(cl, self, selfTicket) {
			return shmerr.Preempted
		}
		return shmerr.OK
	}

	cl.QueueThreads.Set(uint(self.Slot()))
	e.sb.Thread(self.Slot()).PendingLock = region.None
	e.sb.Thread(self.Slot()).Ready.Reset()

	for {
		old := cl.next()
		if old != NoThread && old != self && older(e.ticket(old), selfTicket) {
			return shmerr.Preempted
		}
		if casRef(&cl.nextWriter, old, self) {
			if old != NoThread && old != self {
				e.preempt(old)
			}
			break
		}
	}

	if readers := cl.ReaderLock.Load(); readers != 0 {
		youngerRemains := false
		for i := 0; i < region.MaxThreads; i++ {
			if readers&(1<<uint(i)) == 0 {
				continue
			}
			r := Ref(i)
			if r == self {
				continue
			}
			if !older(e.ticket(r), selfTicket) {
				e.preempt(r)
				youngerRemains = true
			}
		}
		if youngerRemains && cl.ReaderLock.Load() != 0 {
			return shmerr.WaitSignal
		}
	}

	if !casRef(&cl.writerLock, NoThread, self) {
		return shmerr.WaitSignal
	}
	atomic.AddUint32(&cl.InProgressLocks, 1)

	if cl.ReaderLock.Load() != 0 && e.anyOlderContender(cl, self, selfTicket) {
		storeRef(&cl.writerLock, NoThread)
		return shmerr.Preempted
	}
	if readers := cl.ReaderLock.Load(); readers != 0 {
		for i := 0; i < region.MaxThreads; i++ {
			if readers&(1<<uint(i)) != 0 && Ref(i) != self && !older(e.ticket(Ref(i)), selfTicket) {
				return shmerr.Wait
			}
		}
	}
	return shmerr.OK
}

// ReleaseWriter implements §4.4.4's writer half: clear writer_lock and
// transaction_data, then signal the highest-priority queued waiter.
func (e *Env) ReleaseWriter(cl *ContainerLock, self ThreadRef) {
	storeRef(&cl.writerLock, NoThread)
	cl.setTxnData(false)
	cl.QueueThreads.Clear(uint(self.Slot()))
	if storeRef2(&cl.nextWriter, self) {
		// next_writer named us; clear it now that we've released.
	}
	queue := cl.QueueThreads.Load()
	best, bestTicket := -1, uint32(0)
	for i := 0; i < region.MaxThreads; i++ {
		if queue&(1<<uint(i)) == 0 {
			continue
		}
		if t := e.ticket(Ref(i)); best == -1 || older(t, bestTicket) {
			best, bestTicket = i, t
		}
	}
	if best >= 0 {
		e.sb.Thread(best).Ready.Signal()
	}
}

// storeRef2 clears nextWriter if it currently names self, reporting
// whether it did.
func storeRef2(p *uint32, self ThreadRef) bool {
	if loadRef(p) == self {
		return casRef(p, self, NoThread)
	}
	return false
}

// SetTransactionData marks the container as mid-write-transaction, a flag
// inspected by other lock operations via hasTxnData (§4.4's
// transaction_data field).
func (cl *ContainerLock) SetTransactionData(v bool) { cl.setTxnData(v) }
