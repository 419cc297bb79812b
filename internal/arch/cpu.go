// Package arch models the per-CPU execution context of the guest: the
// event-delivery enable flag, nesting of upcall and event-handler context,
// spinlock accounting, the idle wakeup line and memory barriers.
package arch

import (
	"runtime"
	"sync/atomic"
)

// IRQFlags is the saved event-delivery state returned by DisableIRQ.
type IRQFlags bool

// CPU is one virtual CPU. All counters are atomics so that diagnostics can be
// read from any goroutine; mutation happens only from the goroutine currently
// executing on the CPU.
type CPU struct {
	id int

	irqOff      atomic.Bool
	upcallDepth atomic.Int32
	irqDepth    atomic.Int32
	locksHeld   atomic.Int32

	kick chan struct{}
}

// NewCPU creates virtual CPU id.
func NewCPU(id int) *CPU {
	return &CPU{
		id:   id,
		kick: make(chan struct{}, 1),
	}
}

// ID returns the CPU number.
func (c *CPU) ID() int { return c.id }

// DisableIRQ masks event delivery on this CPU and returns the previous state.
func (c *CPU) DisableIRQ() IRQFlags {
	return IRQFlags(!c.irqOff.Swap(true))
}

// RestoreIRQ restores the state saved by DisableIRQ.
func (c *CPU) RestoreIRQ(f IRQFlags) {
	c.irqOff.Store(!bool(f))
}

// IRQEnabled reports whether events may be delivered on this CPU.
func (c *CPU) IRQEnabled() bool { return !c.irqOff.Load() }

func (c *CPU) EnterUpcall() { c.upcallDepth.Add(1) }
func (c *CPU) ExitUpcall()  { c.upcallDepth.Add(-1) }

// InUpcall reports whether a scheduler upcall is executing on this CPU.
func (c *CPU) InUpcall() bool { return c.upcallDepth.Load() > 0 }

func (c *CPU) EnterIRQ() { c.irqDepth.Add(1) }
func (c *CPU) ExitIRQ()  { c.irqDepth.Add(-1) }

// InIRQ reports whether an event handler is executing on this CPU.
func (c *CPU) InIRQ() bool { return c.irqDepth.Load() > 0 }

// LockAcquired and LockReleased account spinlocks taken with CPU tracking.
func (c *CPU) LockAcquired() { c.locksHeld.Add(1) }
func (c *CPU) LockReleased() {
	if c.locksHeld.Add(-1) < 0 {
		Crash("spinlock release without matching acquire", "cpu", c.id)
	}
}

// LocksHeld returns the number of tracked spinlocks held on this CPU.
func (c *CPU) LocksHeld() int { return int(c.locksHeld.Load()) }

// Kick wakes the CPU from idle. Kicks coalesce.
func (c *CPU) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Kicked is signalled after Kick.
func (c *CPU) Kicked() <-chan struct{} { return c.kick }

// Relax is the spin-wait hint used while polling a contended word.
func Relax() {
	runtime.Gosched()
}
