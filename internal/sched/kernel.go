// Package sched runs threads on virtual CPUs. Each CPU has a dispatcher
// loop that delivers pending events, applies posted wakeups, asks the
// scheduling policy for the next thread and hands it the CPU until it
// yields, blocks or exits.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
)

// InterruptSource delivers pending events for a CPU. The dispatcher calls it
// with the CPU in event-handler context.
type InterruptSource interface {
	Deliver(c *arch.CPU)
}

type irqBox struct {
	src InterruptSource
}

// Config configures a Kernel.
type Config struct {
	NumCPUs int
	Logger  *logging.Logger
	// Trace logs every context switch at debug level.
	Trace bool
}

type cpuState struct {
	cpu      *arch.CPU
	switchCh chan switchMsg
	current  atomic.Pointer[Thread]
	lastApp  bool

	pendLock spinlock.Spinlock
	pending  []*Thread

	log *logging.Logger
}

func (c *cpuState) post(t *Thread) {
	c.pendLock.Lock()
	c.pending = append(c.pending, t)
	c.pendLock.Unlock()
	c.cpu.Kick()
}

func (c *cpuState) takePending() []*Thread {
	c.pendLock.Lock()
	list := c.pending
	c.pending = nil
	c.pendLock.Unlock()
	return list
}

// Kernel owns the CPUs and every thread.
type Kernel struct {
	cfg  Config
	cpus []*cpuState
	def  *RoundRobin
	app  atomic.Pointer[policyBox]
	irq  atomic.Pointer[irqBox]

	tlock   spinlock.Spinlock
	threads map[int]*Thread
	nextID  atomic.Int64

	started  atomic.Bool
	halted   chan struct{}
	haltOnce sync.Once
	haltErr  error

	log *logging.Logger
}

// NewKernel creates a kernel with cfg.NumCPUs virtual CPUs (at least one).
func NewKernel(cfg Config) *Kernel {
	if cfg.NumCPUs < 1 {
		cfg.NumCPUs = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	k := &Kernel{
		cfg:     cfg,
		def:     NewRoundRobin(cfg.NumCPUs),
		threads: make(map[int]*Thread),
		halted:  make(chan struct{}),
		log:     cfg.Logger.WithComponent("sched"),
	}
	k.tlock.Init("threads")
	for i := 0; i < cfg.NumCPUs; i++ {
		c := &cpuState{
			cpu:      arch.NewCPU(i),
			switchCh: make(chan switchMsg),
			log:      k.log.WithCPU(i),
		}
		c.pendLock.Init("pending")
		k.cpus = append(k.cpus, c)
	}
	return k
}

func (k *Kernel) NumCPUs() int { return len(k.cpus) }

// CPU returns virtual CPU n.
func (k *Kernel) CPU(n int) *arch.CPU { return k.cpus[n].cpu }

// Kick wakes CPU n from idle, e.g. after an event became pending for it.
func (k *Kernel) Kick(n int) {
	if n >= 0 && n < len(k.cpus) {
		k.cpus[n].cpu.Kick()
	}
}

// SetInterruptSource installs the event delivery hook.
func (k *Kernel) SetInterruptSource(src InterruptSource) {
	k.irq.Store(&irqBox{src: src})
}

// RegisterUpcalls installs the application scheduling policy. It may be
// called once; a second registration is a fatal error.
func (k *Kernel) RegisterUpcalls(u Upcalls) {
	if u == nil {
		arch.Crash("sched: nil upcalls registered")
	}
	if !k.app.CompareAndSwap(nil, &policyBox{u: u}) {
		arch.Crash("sched: scheduler upcalls already registered")
	}
	k.log.Info("application scheduler registered", "policy", fmt.Sprintf("%T", u))
}

// Default returns the built-in policy used for kernel threads.
func (k *Kernel) Default() *RoundRobin { return k.def }

// Spawn creates a thread from boot context.
func (k *Kernel) Spawn(name string, fn func(*Thread), opts ...SpawnOption) *Thread {
	return k.spawn(nil, name, fn, opts...)
}

func (k *Kernel) spawn(parent *Thread, name string, fn func(*Thread), opts ...SpawnOption) *Thread {
	o := spawnOptions{cpu: -1}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Thread{
		id:     int(k.nextID.Add(1)),
		name:   name,
		k:      k,
		fn:     fn,
		policy: k.def,
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  Runnable,
	}
	t.lock.Init("thread")
	if o.app {
		if b := k.app.Load(); b != nil {
			t.policy = b.u
			t.app = true
		}
	}

	var hc *arch.CPU
	home := -1
	if parent != nil {
		hc = parent.CPU()
		home = hc.ID()
	}

	target := o.cpu
	if target < 0 {
		switch {
		case t.app:
			upcall(hc, func() { target = t.policy.PickInitialCPU() })
		case parent != nil:
			target = home
		default:
			target = k.def.PickInitialCPU()
		}
	}
	if target < 0 || target >= len(k.cpus) {
		arch.Crash("sched: thread placed on a nonexistent CPU", "thread", name, "cpu", target)
	}
	if home < 0 {
		home = target
	}
	t.cpu.Store(k.cpus[target])

	k.tlock.Lock()
	k.threads[t.id] = t
	k.tlock.Unlock()

	upcall(hc, func() { t.policy.Attach(t.id, home, target) })
	k.log.Debug("thread spawned", "thread", t.id, "name", name, "cpu", target, "app", t.app)

	go t.main()
	k.cpus[target].cpu.Kick()
	return t
}

func (k *Kernel) lookup(id int) *Thread {
	k.tlock.Lock()
	defer k.tlock.Unlock()
	return k.threads[id]
}

func (k *Kernel) forget(t *Thread) {
	k.tlock.Lock()
	delete(k.threads, t.id)
	k.tlock.Unlock()
}

// Wake makes a blocked thread runnable and posts the wake upcall to the CPU
// it last ran on. It reports false when t was not blocked.
func (k *Kernel) Wake(t *Thread) bool {
	t.lock.Lock()
	if t.state != Blocked {
		t.lock.Unlock()
		return false
	}
	t.state = Runnable
	c := t.cpu.Load()
	t.lock.Unlock()
	c.post(t)
	return true
}

// wakeSeq is Wake restricted to the blocking episode numbered seq, so that a
// stale timer cannot wake a later, unrelated block.
func (k *Kernel) wakeSeq(t *Thread, seq uint64) {
	t.lock.Lock()
	if t.state != Blocked || t.seq != seq {
		t.lock.Unlock()
		return
	}
	t.state = Runnable
	c := t.cpu.Load()
	t.lock.Unlock()
	c.post(t)
}

// Halt stops every dispatcher. The first error recorded is returned by Run.
func (k *Kernel) Halt(err error) {
	k.haltOnce.Do(func() {
		k.haltErr = err
		close(k.halted)
		if err != nil {
			k.log.Error("kernel halted", "error", err)
		}
	})
}

// Halted is closed once the kernel stops.
func (k *Kernel) Halted() <-chan struct{} { return k.halted }

// Err returns the halt error, or nil while running.
func (k *Kernel) Err() error {
	select {
	case <-k.halted:
		return k.haltErr
	default:
		return nil
	}
}

// Run dispatches threads on every CPU until ctx is cancelled or the kernel
// halts. A fatal invariant violation is returned as *arch.FatalError.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.started.CompareAndSwap(false, true) {
		return errors.New("sched: kernel already running")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range k.cpus {
		g.Go(func() error {
			return k.dispatch(gctx, c)
		})
	}
	err := g.Wait()
	k.Halt(err)
	if err == nil {
		err = k.Err()
	}
	return err
}

func (k *Kernel) dispatch(ctx context.Context, c *cpuState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fe := arch.AsFatal(r)
			k.Halt(fe)
			err = fe
		}
	}()
	c.log.Debug("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-k.halted:
			return k.Err()
		default:
		}

		k.deliver(c)
		k.drainWakes(c)

		t, retry := k.pick(c)
		if t == nil {
			if retry {
				arch.Relax()
				continue
			}
			if !k.idle(ctx, c) {
				return k.Err()
			}
			continue
		}
		if !k.switchTo(ctx, c, t) {
			return k.Err()
		}
	}
}

func (k *Kernel) deliver(c *cpuState) {
	b := k.irq.Load()
	if b == nil || !c.cpu.IRQEnabled() {
		return
	}
	c.cpu.EnterIRQ()
	defer c.cpu.ExitIRQ()
	b.src.Deliver(c.cpu)
}

func (k *Kernel) drainWakes(c *cpuState) {
	cpu := c.cpu.ID()
	for _, t := range c.takePending() {
		upcall(c.cpu, func() { t.policy.Wake(t.id, cpu) })
	}
}

// pick asks the application policy first, then the built-in one. retry is
// set when a candidate could not be claimed yet.
func (k *Kernel) pick(c *cpuState) (*Thread, bool) {
	cpu := c.cpu.ID()
	retry := false

	if b := k.app.Load(); b != nil {
		var id int
		var ok bool
		upcall(c.cpu, func() { id, ok = b.u.PickNext(cpu) })
		if ok {
			t := k.lookup(id)
			if t == nil {
				arch.Crash("sched: upcall picked an unknown thread", "id", id, "cpu", cpu)
			}
			if k.claim(c, t) {
				c.lastApp = t.app
				return t, false
			}
			retry = true
		} else if c.lastApp {
			c.lastApp = false
			upcall(c.cpu, func() { b.u.Deschedule(cpu) })
		}
	}

	id, ok := k.def.PickNext(cpu)
	if !ok {
		return nil, retry
	}
	t := k.lookup(id)
	if t == nil {
		arch.Crash("sched: run queue holds an unknown thread", "id", id, "cpu", cpu)
	}
	if !k.claim(c, t) {
		return nil, true
	}
	c.lastApp = t.app
	return t, false
}

// claim moves t from runnable to running on c. It fails while t is still
// switching out on another CPU.
func (k *Kernel) claim(c *cpuState, t *Thread) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state != Runnable || t.running {
		return false
	}
	t.state = Running
	t.running = true
	t.cpu.Store(c)
	return true
}

func (k *Kernel) runnable(c *cpuState) bool {
	cpu := c.cpu.ID()
	if k.def.IsRunnable(cpu) {
		return true
	}
	if b := k.app.Load(); b != nil {
		var ok bool
		upcall(c.cpu, func() { ok = b.u.IsRunnable(cpu) })
		if ok {
			return true
		}
	}
	c.pendLock.Lock()
	n := len(c.pending)
	c.pendLock.Unlock()
	return n > 0
}

// idle waits for a kick. It returns false when the dispatcher should stop.
func (k *Kernel) idle(ctx context.Context, c *cpuState) bool {
	if k.runnable(c) {
		arch.Relax()
		return true
	}
	select {
	case <-c.cpu.Kicked():
		return true
	case <-ctx.Done():
		return false
	case <-k.halted:
		return false
	}
}

func (k *Kernel) switchTo(ctx context.Context, c *cpuState, t *Thread) bool {
	c.current.Store(t)
	if k.cfg.Trace {
		c.log.Debug("switch", "thread", t.id, "name", t.name)
	}
	t.resume <- struct{}{}

	var msg switchMsg
	select {
	case msg = <-c.switchCh:
	case <-ctx.Done():
		return false
	case <-k.halted:
		return false
	}
	c.current.Store(nil)
	if msg.t != t {
		arch.Crash("sched: switch from a thread that was not running", "expected", t.id, "got", msg.t.id)
	}
	k.switched(c, msg)
	return true
}

func (k *Kernel) switched(c *cpuState, msg switchMsg) {
	t := msg.t
	cpu := c.cpu.ID()

	t.lock.Lock()
	t.running = false
	switch msg.reason {
	case switchYield:
		t.state = Runnable
	case switchExit:
		t.state = Exited
	}
	t.lock.Unlock()

	switch msg.reason {
	case switchBlock:
		upcall(c.cpu, func() { t.policy.Block(t.id, cpu) })
	case switchExit:
		upcall(c.cpu, func() { t.policy.Detach(t.id, cpu) })
		k.forget(t)
		close(t.done)
		k.log.Debug("thread exited", "thread", t.id, "name", t.name, "cpu", cpu)
	}
}

// ThreadInfo describes a live thread.
type ThreadInfo struct {
	ID    int
	Name  string
	CPU   int
	State State
	App   bool
}

// Threads returns a snapshot of live threads ordered by ID.
func (k *Kernel) Threads() []ThreadInfo {
	k.tlock.Lock()
	list := make([]*Thread, 0, len(k.threads))
	for _, t := range k.threads {
		list = append(list, t)
	}
	k.tlock.Unlock()

	infos := make([]ThreadInfo, 0, len(list))
	for _, t := range list {
		infos = append(infos, ThreadInfo{
			ID:    t.id,
			Name:  t.name,
			CPU:   t.CPU().ID(),
			State: t.State(),
			App:   t.app,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
