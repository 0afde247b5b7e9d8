package txn

import (
	"sync/atomic"

	"github.com/cznic/shmstore/lock"
	"github.com/cznic/shmstore/region"
)

// Manager holds the process-wide registry of per-container-kind
// commit/abort handlers, shared by every thread's Context.
type Manager struct {
	r       *region.Region
	lockEnv *lock.Env
	commits map[ContainerKind]CommitHandler
	aborts  map[ContainerKind]AbortHandler
}

// NewManager constructs a Manager bound to r.
func NewManager(r *region.Region) *Manager {
	return &Manager{
		r:       r,
		lockEnv: lock.NewEnv(r.Superblock),
		commits: make(map[ContainerKind]CommitHandler),
		aborts:  make(map[ContainerKind]AbortHandler),
	}
}

// RegisterKind attaches a container kind's commit and abort handlers.
func (m *Manager) RegisterKind(k ContainerKind, commit CommitHandler, abort AbortHandler) {
	m.commits[k] = commit
	m.aborts[k] = abort
}

// Context is one thread's transaction state: its superblock slot, mode
// stack, and the elements (lock acquisitions) recorded for the current
// transaction (§3.5, §4.5).
type Context struct {
	mgr   *Manager
	slot  *region.ThreadSlot
	self  lock.ThreadRef
	stack []scope
	elems []Element
}

// NewContext binds a transaction context to an already-claimed thread
// slot.
func NewContext(mgr *Manager, slotIndex int) *Context {
	return &Context{
		mgr:  mgr,
		slot: mgr.r.Superblock.Thread(slotIndex),
		self: lock.Ref(slotIndex),
	}
}

// Mode returns the effective (maximum) mode across the nested scope
// stack, or ModeNone if no scope is open.
func (c *Context) Mode() Mode {
	m := ModeNone
	for _, s := range c.stack {
		if s.mode > m {
			m = s.mode
		}
	}
	return m
}

// Self returns this context's thread reference.
func (c *Context) Self() lock.ThreadRef { return c.self }

// Start opens (or nests into) a transaction scope (§4.5). On the
// outermost start the thread draws a fresh ticket and clears
// thread_preempted.
func (c *Context) Start(mode Mode, locking LockingMode) {
	if len(c.stack) == 0 {
		c.slot.Ticket = c.mgr.r.Superblock.NextTicket()
		atomic.StoreUint32(&c.slot.ThreadPreempted, 0)
	}
	atomic.StoreUint32(&c.slot.Mode, uint32(mode))
	c.stack = append(c.stack, scope{mode: mode, locking: locking})
}

// RecordElement appends a lock acquisition to the current transaction's
// element list (§4.5).
func (c *Context) RecordElement(e Element) {
	c.elems = append(c.elems, e)
}

// commitPass walks the element list once, running each container's
// commit handler (§4.5.1, §4.5.2).
func (c *Context) commitPass() {
	threadID := uint32(c.self.Slot())
	for _, e := range c.elems {
		if h, ok := c.mgr.commits[e.Kind]; ok {
			h(c.mgr.r, e.Container, threadID)
		}
	}
}

func (c *Context) abortPass() {
	for _, e := range c.elems {
		if h, ok := c.mgr.aborts[e.Kind]; ok {
			h(c.mgr.r, e.Container)
		}
	}
}

// unlockPass walks the element list a second time, releasing every
// recorded lock (§4.5.2: "once running commit... once running unlock").
func (c *Context) unlockPass() {
	for i := len(c.elems) - 1; i >= 0; i-- {
		e := c.elems[i]
		cl := resolveLock(c.mgr.r, e.Container)
		if cl == nil {
			continue
		}
		if e.Locking == LockWrite {
			c.mgr.lockEnv.ReleaseWriter(cl, c.self)
		} else {
			c.mgr.lockEnv.ReleaseReader(cl, c.self)
		}
	}
}

func (c *Context) finishOutermost() {
	c.slot.PendingLock = region.None
	atomic.StoreUint32(&c.slot.ThreadPreempted, 0)
	atomic.StoreUint32(&c.slot.Mode, uint32(ModeIdle))
	c.elems = c.elems[:0]
}

// popScope pops the innermost scope off the stack, returning whether the
// stack is now empty (i.e. this was the outermost scope).
func (c *Context) popScope() bool {
	if len(c.stack) == 0 {
		return true
	}
	c.stack = c.stack[:len(c.stack)-1]
	if len(c.stack) == 0 {
		return true
	}
	atomic.StoreUint32(&c.slot.Mode, uint32(c.Mode()))
	return false
}

// Commit commits the innermost scope; at the outermost scope it runs the
// two-pass commit/unlock protocol and drops the mode to IDLE (§4.5.2).
func (c *Context) Commit() {
	outermost := c.popScope()
	if !outermost {
		return
	}
	c.commitPass()
	c.unlockPass()
	c.finishOutermost()
}

// Abort aborts the innermost scope with the same two-pass shape as
// Commit but running abort handlers instead (§4.5.2).
func (c *Context) Abort() {
	outermost := c.popScope()
	if !outermost {
		return
	}
	c.abortPass()
	c.unlockPass()
	c.finishOutermost()
}

// AbortRetaining performs the same release work as Abort but leaves the
// thread's mode unchanged, so retry loops can immediately retry without
// crossing IDLE (§4.5.2).
func (c *Context) AbortRetaining() {
	c.abortPass()
	c.unlockPass()
	c.slot.PendingLock = region.None
	atomic.StoreUint32(&c.slot.ThreadPreempted, 0)
	c.elems = c.elems[:0]
}

// LockEnv exposes the shared lock environment for container operations
// that need to acquire container locks directly.
func (c *Context) LockEnv() *lock.Env { return c.mgr.lockEnv }

// Region exposes the bound region.
func (c *Context) Region() *region.Region { return c.mgr.r }

// resolveLock overlays a ContainerLock at the fixed offset every
// container reserves for it (§3.4, §4.4). Container types place their
// lock.ContainerLock as the first field after the block header, so the
// offset is always the header size; package container's per-type headers
// guarantee this layout.
func resolveLock(r *region.Region, fp region.Pointer) *lock.ContainerLock {
	if !fp.IsValid() {
		return nil
	}
	return lockAt(r.Resolve(fp))
}

// lockAt is supplied by package container via SetLockLocator, since txn
// cannot import container (container imports txn for commit/abort
// wiring) without an import cycle.
var lockAt func(payload []byte) *lock.ContainerLock

// SetLockLocator installs the function txn uses to find a container's
// embedded ContainerLock from its raw payload bytes.
func SetLockLocator(f func(payload []byte) *lock.ContainerLock) { lockAt = f }
