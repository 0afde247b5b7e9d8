package txn

import (
	"runtime"
	"time"

	"github.com/cznic/mathutil"

	"github.com/cznic/shmstore/shmerr"
)

// backoff budgets (§4.5.4: "empirical budgets around hundreds of spins
// then yields"). Grounded on the general spin->yield->sleep shape common
// across the pack's retry paths (see DESIGN.md).
const (
	spinBudget  = 200
	yieldBudget = 50
	sleepCapUs  = 5000
)

// backoff implements one escalating wait step of the retry loop: busy
// spin, then runtime.Gosched-style yield, then a short sleep.
type backoff struct{ n int }

func (b *backoff) wait() {
	switch {
	case b.n < spinBudget:
		// busy spin: cheap, avoids a syscall for very short contention
		for i := 0; i < 30; i++ {
		}
	case b.n < spinBudget+yieldBudget:
		runtime.Gosched()
	default:
		us := mathutil.Min(50+b.n-spinBudget-yieldBudget, sleepCapUs)
		time.Sleep(time.Duration(us) * time.Microsecond)
	}
	b.n++
}

// Operation is a single container operation attempted inside a retry
// loop; it returns the status the transaction manager should act on.
type Operation func() shmerr.Status

// RetryTransient runs op under a fresh TRANSIENT transaction, retrying on
// REPEAT/WAIT/WAIT_SIGNAL and on the abort family until it succeeds or a
// persistent-mode caller must surface TransactionAborted (§4.5.3,
// §4.5.4). Use this for a single container operation issued outside an
// explicit persistent transaction.
func RetryTransient(c *Context, op Operation) error {
	return retryLoop(c, ModeTransient, op)
}

// RetryPersistent runs op inside the caller's already-open PERSISTENT
// transaction, using abort-retaining semantics so the scope itself never
// closes on a retryable failure (§4.5.4).
func RetryPersistent(c *Context, op Operation) error {
	return retryLoop(c, ModePersistent, op)
}

func retryLoop(c *Context, mode Mode, op Operation) error {
	c.Start(mode, LockWrite)
	var bo backoff
	for {
		status := op()
		switch {
		case status == shmerr.OK:
			c.Commit()
			return nil
		case status.IsRetryable():
			bo.wait()
			continue
		case status.IsAbortFamily():
			c.AbortRetaining()
			if c.Mode() != ModePersistent {
				bo.wait()
				// close the scope AbortRetaining kept and open a new one
				// for the next attempt (a fresh ticket if it was outermost).
				c.popScope()
				c.Start(mode, LockWrite)
				continue
			}
			ticket := c.slot.Ticket
			c.Commit() // pop the scope; nothing was staged to commit
			return &shmerr.TransactionAbortedError{Ticket: ticket}
		default:
			c.Abort()
			return &shmerr.FailureError{Src: "txn.retryLoop", Detail: status.String()}
		}
	}
}
