// Package spinlock implements the busy-wait lock used for all short
// critical sections shared between CPUs and event handlers.
package spinlock

import (
	"sync/atomic"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
)

const noOwner = -1

// debugDefault turns on diagnostics for every lock initialized after it is
// set, as the lockdebug boot switch does.
var debugDefault atomic.Bool

// SetDebugDefault sets whether new locks keep debug diagnostics.
func SetDebugDefault(on bool) { debugDefault.Store(on) }

// Spinlock is a test-and-set lock. The zero value is unlocked and usable.
//
// A holder must not reach a suspension point; the scheduler checks the
// per-CPU count maintained by LockCPU and LockIRQSave.
type Spinlock struct {
	word atomic.Uint32

	name  string
	debug bool

	// Diagnostics, maintained only with WithDebug.
	owner     atomic.Int32
	holds     atomic.Uint64
	contended atomic.Uint64
}

// Option configures a Spinlock.
type Option func(*Spinlock)

// WithDebug records owner CPU, hold count and contention count.
func WithDebug() Option {
	return func(l *Spinlock) { l.debug = true }
}

// WithDebugIf is WithDebug when on is true.
func WithDebugIf(on bool) Option {
	return func(l *Spinlock) {
		if on {
			l.debug = true
		}
	}
}

// New returns a named lock.
func New(name string, opts ...Option) *Spinlock {
	l := &Spinlock{}
	l.Init(name, opts...)
	return l
}

// Init prepares an embedded lock. It must not be called while the lock is in
// use.
func (l *Spinlock) Init(name string, opts ...Option) {
	l.name = name
	l.debug = debugDefault.Load()
	for _, opt := range opts {
		opt(l)
	}
	l.owner.Store(noOwner)
}

// Name returns the lock name given to New or Init.
func (l *Spinlock) Name() string { return l.name }

// Lock spins until the lock word is acquired.
func (l *Spinlock) Lock() {
	if l.word.Swap(1) == 0 {
		l.acquired()
		return
	}
	if l.debug {
		l.contended.Add(1)
	}
	for {
		// Spin on a plain load so the cache line stays shared while waiting
		for l.word.Load() != 0 {
			arch.Relax()
		}
		if l.word.Swap(1) == 0 {
			l.acquired()
			return
		}
	}
}

// TryLock makes one attempt and reports whether it succeeded.
func (l *Spinlock) TryLock() bool {
	if l.word.Swap(1) != 0 {
		return false
	}
	l.acquired()
	return true
}

// Unlock releases the lock. Releasing a free lock is fatal.
func (l *Spinlock) Unlock() {
	if l.debug {
		l.owner.Store(noOwner)
	}
	if l.word.Swap(0) == 0 {
		arch.Crash("spinlock: unlock of unlocked lock", "lock", l.name)
	}
}

// IsLocked reports the instantaneous state of the lock word.
func (l *Spinlock) IsLocked() bool {
	return l.word.Load() != 0
}

// LockCPU acquires the lock and accounts it to c.
func (l *Spinlock) LockCPU(c *arch.CPU) {
	l.Lock()
	c.LockAcquired()
	if l.debug {
		l.owner.Store(int32(c.ID()))
	}
}

// UnlockCPU releases a lock taken with LockCPU.
func (l *Spinlock) UnlockCPU(c *arch.CPU) {
	c.LockReleased()
	l.Unlock()
}

// LockIRQSave masks event delivery on c, then acquires the lock. Thread code
// uses it for data also touched by event handlers.
func (l *Spinlock) LockIRQSave(c *arch.CPU) arch.IRQFlags {
	flags := c.DisableIRQ()
	l.LockCPU(c)
	return flags
}

// UnlockIRQRestore releases the lock and restores the saved delivery state.
func (l *Spinlock) UnlockIRQRestore(c *arch.CPU, flags arch.IRQFlags) {
	l.UnlockCPU(c)
	c.RestoreIRQ(flags)
}

// Destroy asserts that the lock is not held.
func (l *Spinlock) Destroy() {
	if l.IsLocked() {
		arch.Crash("spinlock: destroy of held lock", "lock", l.name)
	}
}

func (l *Spinlock) acquired() {
	if l.debug {
		l.holds.Add(1)
	}
}

// Stats is a snapshot of the debug counters.
type Stats struct {
	Name      string
	Owner     int // CPU id of the holder, -1 when free or unknown
	Holds     uint64
	Contended uint64
}

// Stats returns debug diagnostics. Counters stay zero unless the lock was
// created with WithDebug.
func (l *Spinlock) Stats() Stats {
	owner := noOwner
	if l.debug {
		owner = int(l.owner.Load())
	}
	return Stats{
		Name:      l.name,
		Owner:     owner,
		Holds:     l.holds.Load(),
		Contended: l.contended.Load(),
	}
}
