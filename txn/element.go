package txn

import (
	"github.com/cznic/shmstore/lock"
	"github.com/cznic/shmstore/region"
)

// ContainerKind tags what a transaction element's container is, so
// commit/abort can dispatch to the right per-type handler (§4.5: "naming
// the container and its kind (none/cell/queue/list/dict/undict/promise)").
type ContainerKind uint8

const (
	KindNone ContainerKind = iota
	KindCell
	KindQueue
	KindList
	KindDict
	KindUnorderedDict
	KindPromise
)

// CommitHandler walks a container's change log and moves staged data
// into live fields, releasing displaced pointers (§4.5.1). Registered per
// ContainerKind by package container. threadID identifies the committing
// thread's own slot, for handlers that need a Heap to allocate at commit
// time (e.g. a persistent table outgrowing its bucket count).
type CommitHandler func(r *region.Region, fp region.Pointer, threadID uint32)

// AbortHandler walks a container's change log releasing staged pointers
// and clearing shadow flags without touching live data (§4.5.1).
type AbortHandler func(r *region.Region, fp region.Pointer)

// Element is one recorded lock acquisition for the current transaction
// (§4.5: "a singly-linked list of transaction elements"). Implemented as
// a process-local slice entry rather than an actual shared-memory linked
// list: only the owning thread ever walks or appends to its own element
// list, so there is no cross-process visibility requirement here.
type Element struct {
	Container region.Pointer
	Kind      ContainerKind
	Locking   LockingMode
	Ref       lock.ThreadRef
}
