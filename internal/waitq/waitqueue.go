// Package waitq provides the blocking primitives built on the scheduler: a
// FIFO wait queue and a one-shot-or-broadcast completion.
package waitq

import (
	"slices"
	"time"

	"github.com/ehrlich-b/go-pvkernel/internal/sched"
	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
)

type waiter struct {
	t        *sched.Thread
	timedOut bool
}

// WaitQueue is a FIFO of blocked threads guarded by a spinlock. Waiters take
// the lock with events masked; wakers may run in event handlers and take it
// plainly. The zero value is ready to use.
type WaitQueue struct {
	lock    spinlock.Spinlock
	waiters []*waiter
}

// Wait enqueues t and blocks it until a WakeOne or WakeAll reaches it. The
// caller re-checks its own condition afterwards.
func (q *WaitQueue) Wait(t *sched.Thread) {
	q.enqueue(t)
	t.Schedule()
}

// WaitTimeout is Wait bounded by d. It reports true when the wait timed out;
// the thread is then no longer queued.
func (q *WaitQueue) WaitTimeout(t *sched.Thread, d time.Duration) bool {
	w := q.enqueue(t)
	timer := time.AfterFunc(d, func() { q.expire(w) })
	t.Schedule()
	timer.Stop()

	q.lock.Lock()
	timedOut := w.timedOut
	q.lock.Unlock()
	return timedOut
}

// WaitEvent blocks t until cond holds. cond runs with the queue lock held
// and must not block; wakers update what cond reads before waking the queue.
func (q *WaitQueue) WaitEvent(t *sched.Thread, cond func() bool) {
	for {
		t.AssertCanBlock()
		c := t.CPU()
		flags := q.lock.LockIRQSave(c)
		if cond() {
			q.lock.UnlockIRQRestore(c, flags)
			return
		}
		q.enqueueLocked(t)
		q.lock.UnlockIRQRestore(c, flags)
		t.Schedule()
	}
}

func (q *WaitQueue) enqueue(t *sched.Thread) *waiter {
	t.AssertCanBlock()
	c := t.CPU()
	flags := q.lock.LockIRQSave(c)
	w := q.enqueueLocked(t)
	q.lock.UnlockIRQRestore(c, flags)
	return w
}

// enqueueLocked must be called with q.lock held.
func (q *WaitQueue) enqueueLocked(t *sched.Thread) *waiter {
	w := &waiter{t: t}
	q.waiters = append(q.waiters, w)
	t.PrepareToBlock()
	return w
}

func (q *WaitQueue) expire(w *waiter) {
	q.lock.Lock()
	defer q.lock.Unlock()
	i := slices.Index(q.waiters, w)
	if i < 0 {
		return
	}
	q.waiters = slices.Delete(q.waiters, i, i+1)
	w.timedOut = true
	w.t.Kernel().Wake(w.t)
}

// WakeOne wakes the longest waiting thread and reports whether there was one.
func (q *WaitQueue) WakeOne() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.wakeOneLocked()
}

// WakeAll wakes every waiter in FIFO order and returns how many there were.
func (q *WaitQueue) WakeAll() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.wakeAllLocked()
}

func (q *WaitQueue) wakeOneLocked() bool {
	if len(q.waiters) == 0 {
		return false
	}
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	w.t.Kernel().Wake(w.t)
	return true
}

func (q *WaitQueue) wakeAllLocked() int {
	n := len(q.waiters)
	for _, w := range q.waiters {
		w.t.Kernel().Wake(w.t)
	}
	clear(q.waiters)
	q.waiters = q.waiters[:0]
	return n
}

// Len returns the number of queued threads.
func (q *WaitQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.waiters)
}
