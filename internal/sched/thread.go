package sched

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
)

// State is the scheduling state of a thread.
type State int32

const (
	Runnable State = iota
	Blocked
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

type switchReason int

const (
	switchYield switchReason = iota
	switchBlock
	switchExit
)

type switchMsg struct {
	t      *Thread
	reason switchReason
}

// Thread is a cooperatively scheduled kernel or application thread. It runs
// on its own goroutine but only while a CPU dispatcher has handed it the
// CPU; the methods that suspend it (Yield, Block, Schedule, Sleep) must be
// called from the thread itself.
type Thread struct {
	id     int
	name   string
	k      *Kernel
	fn     func(*Thread)
	policy Upcalls
	app    bool

	lock    spinlock.Spinlock
	state   State
	running bool   // claimed by a dispatcher and not yet switched out
	seq     uint64 // bumped by every PrepareToBlock

	// blocking is only touched by the thread itself.
	blocking bool

	cpu    atomic.Pointer[cpuState]
	resume chan struct{}
	done   chan struct{}
}

func (t *Thread) ID() int         { return t.id }
func (t *Thread) Name() string    { return t.name }
func (t *Thread) Kernel() *Kernel { return t.k }

// IsApplication reports whether the thread is scheduled by registered upcalls.
func (t *Thread) IsApplication() bool { return t.app }

// CPU returns the CPU the thread last ran on, or was placed on at spawn.
func (t *Thread) CPU() *arch.CPU { return t.cpu.Load().cpu }

func (t *Thread) State() State {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state
}

// Done is closed once the thread has exited and been detached.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Spawn creates a thread from thread context.
func (t *Thread) Spawn(name string, fn func(*Thread), opts ...SpawnOption) *Thread {
	return t.k.spawn(t, name, fn, opts...)
}

// PrepareToBlock marks the running thread blocked without giving up the CPU.
// The caller publishes itself on a wait structure, drops its locks and calls
// Schedule; a wake in between makes Schedule return promptly.
func (t *Thread) PrepareToBlock() {
	t.prepare()
}

func (t *Thread) prepare() uint64 {
	t.AssertCanBlock()
	t.lock.Lock()
	if t.state != Running {
		st := t.state
		t.lock.Unlock()
		arch.Crash("sched: prepare to block from a thread that is not running", "thread", t.id, "state", st.String())
	}
	t.state = Blocked
	t.seq++
	seq := t.seq
	t.lock.Unlock()
	t.blocking = true
	return seq
}

// Schedule gives up the CPU. After PrepareToBlock it returns once the thread
// has been woken; otherwise it behaves like Yield.
func (t *Thread) Schedule() {
	t.checkSuspend()
	reason := switchYield
	if t.blocking {
		reason = switchBlock
		t.blocking = false
	}
	t.switchOut(reason)
	t.park()
}

// Block suspends the thread until Kernel.Wake.
func (t *Thread) Block() {
	t.PrepareToBlock()
	t.Schedule()
}

// Yield lets other runnable threads on the CPU run.
func (t *Thread) Yield() {
	t.checkSuspend()
	t.switchOut(switchYield)
	t.park()
}

// Sleep suspends the thread for at least d.
func (t *Thread) Sleep(d time.Duration) {
	t.AssertCanBlock()
	if d <= 0 {
		t.Yield()
		return
	}
	deadline := time.Now().Add(d)
	for {
		rem := time.Until(deadline)
		if rem <= 0 {
			return
		}
		seq := t.prepare()
		timer := time.AfterFunc(rem, func() { t.k.wakeSeq(t, seq) })
		t.Schedule()
		timer.Stop()
	}
}

// AssertCanBlock crashes unless the caller may reach a suspension point on
// behalf of t: not inside an upcall or event handler, and t is the thread
// currently holding its CPU.
func (t *Thread) AssertCanBlock() {
	c := t.cpu.Load()
	if c.cpu.InUpcall() {
		arch.Crash("sched: blocking call inside scheduler upcall", "thread", t.id, "cpu", c.cpu.ID())
	}
	if c.cpu.InIRQ() {
		arch.Crash("sched: blocking call inside event handler", "thread", t.id, "cpu", c.cpu.ID())
	}
	if c.current.Load() != t {
		arch.Crash("sched: suspension outside the running thread", "thread", t.id, "cpu", c.cpu.ID())
	}
}

func (t *Thread) checkSuspend() {
	t.AssertCanBlock()
	if n := t.CPU().LocksHeld(); n > 0 {
		arch.Crash("sched: spinlock held across suspension point", "thread", t.id, "locks", n)
	}
}

func (t *Thread) switchOut(reason switchReason) {
	c := t.cpu.Load()
	select {
	case c.switchCh <- switchMsg{t: t, reason: reason}:
	case <-t.k.halted:
		runtime.Goexit()
	}
}

// park waits for a dispatcher to hand the CPU back. A halted kernel never
// will, so the goroutine is retired.
func (t *Thread) park() {
	select {
	case <-t.resume:
	case <-t.k.halted:
		runtime.Goexit()
	}
}

func (t *Thread) main() {
	defer func() {
		if r := recover(); r != nil {
			t.k.Halt(arch.AsFatal(r))
		}
	}()
	t.park()
	t.fn(t)
	t.checkSuspend()
	t.switchOut(switchExit)
}

// SpawnOption configures Spawn.
type SpawnOption func(*spawnOptions)

type spawnOptions struct {
	app bool
	cpu int
}

// Application schedules the thread with the registered upcalls.
func Application() SpawnOption {
	return func(o *spawnOptions) { o.app = true }
}

// OnCPU places the thread on cpu instead of asking the policy.
func OnCPU(cpu int) SpawnOption {
	return func(o *spawnOptions) { o.cpu = cpu }
}
