package sched

import (
	"slices"
	"sync/atomic"

	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
)

// RoundRobin is the built-in policy: one FIFO of runnable threads per CPU.
// The running thread stays in its queue, so PickNext rotating head to tail
// alternates between runnable threads that yield.
type RoundRobin struct {
	queues []rrQueue
	next   atomic.Uint32
}

type rrQueue struct {
	lock spinlock.Spinlock
	ids  []int
}

// NewRoundRobin creates the policy for ncpu CPUs.
func NewRoundRobin(ncpu int) *RoundRobin {
	r := &RoundRobin{queues: make([]rrQueue, ncpu)}
	for i := range r.queues {
		r.queues[i].lock.Init("rr")
	}
	return r
}

func (r *RoundRobin) queue(cpu int) *rrQueue {
	return &r.queues[cpu]
}

func (r *RoundRobin) push(cpu, id int) {
	q := r.queue(cpu)
	q.lock.Lock()
	if !slices.Contains(q.ids, id) {
		q.ids = append(q.ids, id)
	}
	q.lock.Unlock()
}

func (r *RoundRobin) remove(cpu, id int) {
	q := r.queue(cpu)
	q.lock.Lock()
	if i := slices.Index(q.ids, id); i >= 0 {
		q.ids = slices.Delete(q.ids, i, i+1)
	}
	q.lock.Unlock()
}

func (r *RoundRobin) Attach(id, homeCPU, targetCPU int) { r.push(targetCPU, id) }
func (r *RoundRobin) Detach(id, cpu int)                { r.remove(cpu, id) }
func (r *RoundRobin) Wake(id, cpu int)                  { r.push(cpu, id) }
func (r *RoundRobin) Block(id, cpu int)                 { r.remove(cpu, id) }
func (r *RoundRobin) Deschedule(cpu int)                {}

// PickNext returns the head of cpu's queue and rotates it to the tail.
func (r *RoundRobin) PickNext(cpu int) (int, bool) {
	q := r.queue(cpu)
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.ids) == 0 {
		return 0, false
	}
	id := q.ids[0]
	copy(q.ids, q.ids[1:])
	q.ids[len(q.ids)-1] = id
	return id, true
}

// PickInitialCPU spreads threads across CPUs.
func (r *RoundRobin) PickInitialCPU() int {
	return int((r.next.Add(1) - 1) % uint32(len(r.queues)))
}

func (r *RoundRobin) IsRunnable(cpu int) bool {
	q := r.queue(cpu)
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.ids) > 0
}

// Len returns the number of runnable threads queued on cpu.
func (r *RoundRobin) Len(cpu int) int {
	q := r.queue(cpu)
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.ids)
}

var _ Upcalls = (*RoundRobin)(nil)
