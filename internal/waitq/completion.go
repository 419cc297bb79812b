package waitq

import (
	"math"
	"time"

	"github.com/ehrlich-b/go-pvkernel/internal/sched"
)

// NotifyAllSentinel is the done value left by NotifyAll. Wait never
// decrements it, so every later Wait passes until Reset.
const NotifyAllSentinel = math.MaxUint32

// Completion signals that an event happened. NotifyOne is coalescing: it
// sets the count to one rather than incrementing it, so two notifications
// with no Wait in between release a single waiter.
type Completion struct {
	wq   WaitQueue
	done uint32
}

// Wait blocks t until the completion is signalled and consumes one signal.
func (c *Completion) Wait(t *sched.Thread) {
	for {
		t.AssertCanBlock()
		cpu := t.CPU()
		flags := c.wq.lock.LockIRQSave(cpu)
		if c.consumeLocked() {
			c.wq.lock.UnlockIRQRestore(cpu, flags)
			return
		}
		c.wq.enqueueLocked(t)
		c.wq.lock.UnlockIRQRestore(cpu, flags)
		t.Schedule()
	}
}

// WaitTimeout is Wait bounded by d. It reports whether a signal was consumed.
func (c *Completion) WaitTimeout(t *sched.Thread, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		t.AssertCanBlock()
		cpu := t.CPU()
		flags := c.wq.lock.LockIRQSave(cpu)
		if c.consumeLocked() {
			c.wq.lock.UnlockIRQRestore(cpu, flags)
			return true
		}
		rem := time.Until(deadline)
		if rem <= 0 {
			c.wq.lock.UnlockIRQRestore(cpu, flags)
			return false
		}
		w := c.wq.enqueueLocked(t)
		c.wq.lock.UnlockIRQRestore(cpu, flags)

		timer := time.AfterFunc(rem, func() { c.wq.expire(w) })
		t.Schedule()
		timer.Stop()
	}
}

// TryWait consumes a pending signal without blocking.
func (c *Completion) TryWait() bool {
	c.wq.lock.Lock()
	defer c.wq.lock.Unlock()
	return c.consumeLocked()
}

func (c *Completion) consumeLocked() bool {
	if c.done == 0 {
		return false
	}
	if c.done != NotifyAllSentinel {
		c.done--
	}
	return true
}

// NotifyOne signals the completion and wakes one waiter.
func (c *Completion) NotifyOne() {
	c.wq.lock.Lock()
	c.done = 1
	c.wq.wakeOneLocked()
	c.wq.lock.Unlock()
}

// NotifyAll releases every current and future waiter until Reset.
func (c *Completion) NotifyAll() {
	c.wq.lock.Lock()
	c.done = NotifyAllSentinel
	c.wq.wakeAllLocked()
	c.wq.lock.Unlock()
}

// Reset re-arms the completion for reuse.
func (c *Completion) Reset() {
	c.wq.lock.Lock()
	c.done = 0
	c.wq.lock.Unlock()
}

// Done reports whether a Wait would return without blocking.
func (c *Completion) Done() bool {
	c.wq.lock.Lock()
	defer c.wq.lock.Unlock()
	return c.done > 0
}

// Waiters returns the number of blocked waiters.
func (c *Completion) Waiters() int { return c.wq.Len() }
