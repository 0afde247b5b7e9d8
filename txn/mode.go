// Package txn implements the transaction manager: per-thread mode stack,
// transient and persistent transactions, the container write discipline
// over shadow fields, bounded change logs, and the retry loop (§4.5).
//
// Grounded on lldb/xact.go's RollbackFiler nested-transaction-level
// counter (tlevel int, BeginUpdate/EndUpdate/Rollback) generalized from
// "nesting over one Filer" to "a mode stack over many containers'
// shadow fields" (see DESIGN.md).
package txn

// Mode is a transaction scope's strength, forming the ordered enum
// NONE < IDLE < TRANSIENT < PERSISTENT (§4.5). The effective mode for a
// thread with nested scopes is the maximum mode on its stack.
type Mode uint32

const (
	ModeNone Mode = iota
	ModeIdle
	ModeTransient
	ModePersistent
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeIdle:
		return "IDLE"
	case ModeTransient:
		return "TRANSIENT"
	case ModePersistent:
		return "PERSISTENT"
	default:
		return "Mode(?)"
	}
}

// LockingMode says whether a scope intends to read or write the
// containers it touches; recorded per transaction element (§4.5).
type LockingMode uint8

const (
	LockRead LockingMode = iota
	LockWrite
)

type scope struct {
	mode    Mode
	locking LockingMode
}
