// Package container implements the mutable container family: lists,
// dictionaries, promises and queues, each built on a refcounted block
// plus an embedded container lock and shadow-field write discipline
// (§3.4, §4.5, §4.6).
//
// Grounded on dbm.Array/dbm.DB's handle-based, subscript-addressed
// storage (dbm/dbm.go) generalized from "one B+tree-backed Array type"
// to "several container kinds sharing one lock+shadow discipline", with
// the locking and shadow mechanics supplied by package lock and txn
// rather than dbm's single process-wide mutex (see DESIGN.md).
package container

import (
	"unsafe"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/lock"
	"github.com/cznic/shmstore/txn"
)

// Header is the common preamble every mutable container starts with: the
// refcount triple (§3.2, §4.3) followed by the container lock (§4.4).
// Every concrete container type embeds Header first, so resolveLockAt
// below can find the lock at a fixed offset regardless of kind.
type Header struct {
	alloc.RefcountHeader
	Lock lock.ContainerLock
}

func overlayHeader(payload []byte) *Header {
	return (*Header)(unsafe.Pointer(&payload[0]))
}

// payloadOffset is the byte offset of a container's kind-specific fields,
// immediately following the shared Header.
var payloadOffset = int(unsafe.Sizeof(Header{}))

func fieldsOf(payload []byte) []byte { return payload[payloadOffset:] }

// resolveLockAt implements the txn.SetLockLocator contract: every
// container kind places Header first, so the lock always sits at the
// same fixed offset from the start of the block's payload.
func resolveLockAt(payload []byte) *lock.ContainerLock {
	return &overlayHeader(payload).Lock
}

func init() {
	txn.SetLockLocator(resolveLockAt)
}
