// Package shmerr defines the status taxonomy returned by core operations
// and the diagnostic-carrying error types used when a status alone does
// not say enough.
package shmerr

import "fmt"

// Status is the outcome of a core operation. The zero value is OK.
type Status int

const (
	OK Status = iota
	Invalid
	Repeat
	Wait
	WaitSignal
	Preempted
	Abort
	Failure
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Invalid:
		return "INVALID"
	case Repeat:
		return "REPEAT"
	case Wait:
		return "WAIT"
	case WaitSignal:
		return "WAIT_SIGNAL"
	case Preempted:
		return "PREEMPTED"
	case Abort:
		return "ABORT"
	case Failure:
		return "FAILURE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// IsRetryable reports whether a retry loop should back off and try again
// without aborting the transaction (§4.5.4 of the core design).
func (s Status) IsRetryable() bool {
	switch s {
	case Wait, WaitSignal, Repeat:
		return true
	default:
		return false
	}
}

// IsAbortFamily reports whether the status requires abort_retaining before
// any further progress.
func (s Status) IsAbortFamily() bool {
	switch s {
	case Preempted, Abort:
		return true
	default:
		return false
	}
}

// InvalidError reports a logically invalid input: an out-of-range index,
// a missing key, or similar. Src names the operation; Arg is the offending
// value, for diagnostics only.
type InvalidError struct {
	Src string
	Arg interface{}
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("%s: invalid argument: %v", e.Src, e.Arg)
}

// CorruptionError reports a broken on-disk/in-memory invariant: a bad
// guard word, an impossible block tag, a double free. These must not
// occur outside debug builds; production callers treat them as FAILURE.
type CorruptionError struct {
	Src    string
	Offset int64
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: corruption at offset %d: %s", e.Src, e.Offset, e.Detail)
}

// FailureError wraps an irrecoverable condition: the region's fixed chunk
// budget exhausted, or an assertion that would be a debug-build panic.
type FailureError struct {
	Src    string
	Detail string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: failure: %s", e.Src, e.Detail)
}

// TransactionAbortedError is surfaced to a caller holding a persistent
// transaction when PREEMPTED reaches the outermost scope (§7).
type TransactionAbortedError struct {
	Ticket uint32
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction aborted (ticket %d)", e.Ticket)
}
