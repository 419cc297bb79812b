package sched

import "github.com/ehrlich-b/go-pvkernel/internal/arch"

// Upcalls is the scheduling policy a language runtime registers for its
// application threads. Threads are identified by ID and CPUs by number; the
// kernel never hands out its own structures.
//
// Every method runs in upcall context on the CPU it concerns (or on the
// spawning thread's CPU for PickInitialCPU and Attach). Methods must not
// block and may be called concurrently for different CPUs.
type Upcalls interface {
	// Attach announces a new runnable thread created on homeCPU and placed
	// on targetCPU.
	Attach(id, homeCPU, targetCPU int)
	// Detach announces that the thread exited on cpu.
	Detach(id, cpu int)
	// Wake announces that a blocked thread became runnable.
	Wake(id, cpu int)
	// Block announces that the thread stopped running on cpu and is blocked.
	Block(id, cpu int)
	// PickNext selects the next thread to run on cpu.
	PickNext(cpu int) (id int, ok bool)
	// Deschedule is called when PickNext found nothing after an application
	// thread ran on cpu.
	Deschedule(cpu int)
	// PickInitialCPU chooses the CPU for a thread about to be attached.
	PickInitialCPU() int
	// IsRunnable reports whether the policy has work for cpu.
	IsRunnable(cpu int) bool
}

type policyBox struct {
	u Upcalls
}

// upcall runs fn in upcall context on c. A nil c means boot context, which
// has no CPU to mark.
func upcall(c *arch.CPU, fn func()) {
	if c == nil {
		fn()
		return
	}
	c.EnterUpcall()
	defer c.ExitUpcall()
	fn()
}
