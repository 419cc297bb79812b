package pvkernel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/blkfront"
	"github.com/ehrlich-b/go-pvkernel/internal/console"
	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/hypervisor"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/mm"
	"github.com/ehrlich-b/go-pvkernel/internal/sched"
	"github.com/ehrlich-b/go-pvkernel/internal/service"
	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
	"github.com/ehrlich-b/go-pvkernel/internal/trace"
)

// Domain is a booted guest: its kernel, event channels and devices.
type Domain struct {
	params Params
	flags  trace.Flags
	host   *Host
	dom    *hypervisor.Domain

	kernel   *sched.Kernel
	events   *evtchn.Dispatcher
	registry *service.Registry
	alloc    mm.Allocator

	metrics  *Metrics
	observer Observer
	throttle *logging.Throttle
	base     *logging.Logger
	log      *logging.Logger

	mu          sync.Mutex
	disks       map[int]*Disk
	diskBacks   map[int]*DiskBackend
	console     *Console
	consoleBack *ConsoleBackend

	debugDumps atomic.Uint64
}

// Boot creates a guest domain on host and wires its kernel to the
// domain's event channels. Threads run once Run is called.
func Boot(host *Host, params Params, options *Options) (*Domain, error) {
	if host == nil {
		return nil, kerr.New("boot", kerr.CodeInvalidParameters, "host is required")
	}
	if params.NumCPUs == 0 {
		params.NumCPUs = constants.DefaultNumCPUs
	}
	if params.NumCPUs < 0 || params.NumCPUs > 64 {
		return nil, kerr.New("boot", kerr.CodeInvalidParameters, fmt.Sprintf("cpu count %d", params.NumCPUs))
	}
	if params.Name == "" {
		params.Name = "guest"
	}
	if options == nil {
		options = &Options{}
	}

	flags := trace.Parse(params.Cmdline)
	spinlock.SetDebugDefault(flags.LockDebug())

	base := options.logger()
	d := &Domain{
		params:    params,
		flags:     flags,
		host:      host,
		metrics:   NewMetrics(),
		throttle:  logging.NewThrottle(constants.DefaultLogRate),
		base:      base,
		disks:     make(map[int]*Disk),
		diskBacks: make(map[int]*DiskBackend),
		alloc:     options.Alloc,
	}
	d.observer = options.Observer
	if d.observer == nil {
		d.observer = NewMetricsObserver(d.metrics)
	}
	if d.alloc == nil {
		d.alloc = mm.NewPages()
	}

	d.dom = host.hv.CreateDomain(params.Name, params.NumCPUs)
	d.log = base.WithComponent("domain").With("domid", d.dom.ID())
	d.kernel = sched.NewKernel(sched.Config{
		NumCPUs: params.NumCPUs,
		Logger:  base,
		Trace:   flags.Sched(),
	})
	d.events = evtchn.New(d.dom, evtchn.Config{
		Logger:   base,
		Observer: d.observer,
		Throttle: d.throttle,
		Trace:    flags.Evtchn(),
	})
	d.dom.OnUpcall(d.kernel.Kick)
	d.kernel.SetInterruptSource(d.events)
	d.registry = service.New(base)

	if _, err := d.events.BindVIRQ(evtchn.VIRQDebug, 0, d.handleDebug, nil); err != nil {
		host.hv.DestroyDomain(d.dom.ID())
		return nil, err
	}

	d.log.Info("domain booted", "name", params.Name, "cpus", params.NumCPUs, "trace", flags.String())
	return d, nil
}

// ID returns the domain id.
func (d *Domain) ID() DomID { return d.dom.ID() }

// Name returns the domain name.
func (d *Domain) Name() string { return d.params.Name }

// Trace returns the parsed trace switches.
func (d *Domain) Trace() trace.Flags { return d.flags }

// Metrics returns the domain's I/O and event counters.
func (d *Domain) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the metrics.
func (d *Domain) MetricsSnapshot() MetricsSnapshot { return d.metrics.Snapshot() }

// Threads returns a snapshot of live threads.
func (d *Domain) Threads() []ThreadInfo { return d.kernel.Threads() }

// Run dispatches threads until ctx is done or the kernel halts. A fatal
// invariant violation is returned as *FatalError.
func (d *Domain) Run(ctx context.Context) error {
	err := d.kernel.Run(ctx)
	d.metrics.Stop()
	if err != nil {
		d.log.Error("domain stopped", "error", err)
	}
	return err
}

// Spawn creates a thread. With Application it is scheduled by the
// registered upcalls.
func (d *Domain) Spawn(name string, fn func(*Thread), opts ...SpawnOption) *Thread {
	return d.kernel.Spawn(name, fn, opts...)
}

// RegisterUpcalls installs the application scheduling policy. Registering
// twice is fatal: the domain halts and the fatal error is returned.
func (d *Domain) RegisterUpcalls(u Upcalls) error {
	if fe := arch.Catch(func() { d.kernel.RegisterUpcalls(u) }); fe != nil {
		d.kernel.Halt(fe)
		return fe
	}
	return nil
}

// AttachBlock creates disk cfg.DevID: a backend in the host domain and a
// frontend here. The frontend connects when the domain's services start.
func (d *Domain) AttachBlock(cfg DiskConfig) (*Disk, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.disks[cfg.DevID]; ok {
		return nil, kerr.NewDevice("attach_block", fmt.Sprintf("vbd/%d", cfg.DevID), kerr.CodeBusy, "device already attached")
	}

	cfg.Trace = cfg.Trace || d.flags.Ring()
	back, err := d.host.AddDisk(d.dom.ID(), cfg)
	if err != nil {
		return nil, err
	}
	dev, err := blkfront.New(blkfront.Config{
		Events:   d.events,
		Grants:   d.dom.Grants(),
		Store:    d.host.store,
		Alloc:    d.alloc,
		DomID:    d.dom.ID(),
		DevID:    cfg.DevID,
		CPU:      cfg.DevID % d.params.NumCPUs,
		Logger:   d.base,
		Observer: d.observer,
		Throttle: d.throttle,
		Trace:    d.flags.Blkfront(),
	})
	if err != nil {
		return nil, err
	}
	if err := d.registry.Register(dev); err != nil {
		return nil, err
	}
	d.disks[cfg.DevID] = dev
	d.diskBacks[cfg.DevID] = back
	return dev, nil
}

// AttachConsole creates the console. Guest output is copied to out when it
// is not nil.
func (d *Domain) AttachConsole(out io.Writer) (*Console, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.console != nil {
		return nil, kerr.NewDevice("attach_console", "console", kerr.CodeBusy, "console already attached")
	}
	back, err := d.host.AddConsole(d.dom.ID(), out)
	if err != nil {
		return nil, err
	}
	c, err := console.New(console.Config{
		Events: d.events,
		Grants: d.dom.Grants(),
		Store:  d.host.store,
		Alloc:  d.alloc,
		DomID:  d.dom.ID(),
		Logger: d.base,
		Trace:  d.flags.Console(),
	})
	if err != nil {
		return nil, err
	}
	if err := d.registry.Register(c); err != nil {
		return nil, err
	}
	d.console, d.consoleBack = c, back
	return c, nil
}

// Disk returns the frontend for devid.
func (d *Domain) Disk(devid int) (*Disk, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.disks[devid]
	return dev, ok
}

// DiskBackend returns the host side of devid.
func (d *Domain) DiskBackend(devid int) (*DiskBackend, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.diskBacks[devid]
	return b, ok
}

// Console returns the console frontend, or nil.
func (d *Domain) Console() *Console {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.console
}

// ConsoleBackend returns the host side of the console, or nil.
func (d *Domain) ConsoleBackend() *ConsoleBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consoleBack
}

// Services returns the lifecycle state of every attached device.
func (d *Domain) Services() map[string]string {
	out := make(map[string]string)
	for name, st := range d.registry.States() {
		out[name] = st.String()
	}
	return out
}

// Start connects every attached device that has not been started, in
// attach order.
func (d *Domain) Start(t *Thread) error {
	return d.registry.Start(t)
}

// Suspend quiesces devices in reverse attach order and then drops every
// event channel, as before a save.
func (d *Domain) Suspend(t *Thread) error {
	if err := d.registry.Suspend(t); err != nil {
		return err
	}
	if err := d.events.Suspend(); err != nil {
		return err
	}
	d.log.Info("domain suspended")
	return nil
}

// Resume restores virtual interrupts and reconnects devices in attach
// order.
func (d *Domain) Resume(t *Thread) error {
	if err := d.events.Resume(); err != nil {
		return err
	}
	if err := d.registry.Resume(t); err != nil {
		return err
	}
	d.log.Info("domain resumed")
	return nil
}

// Shutdown disconnects every device and stops the kernel. Run returns nil
// afterwards.
func (d *Domain) Shutdown(t *Thread) error {
	err := d.registry.Suspend(t)
	d.kernel.Halt(nil)
	return err
}

// DebugKey raises the debug virtual interrupt, which logs every thread.
func (d *Domain) DebugKey() bool {
	return d.dom.RaiseVIRQ(evtchn.VIRQDebug, 0)
}

// DebugDumps returns how many debug dumps the guest has written.
func (d *Domain) DebugDumps() uint64 { return d.debugDumps.Load() }

func (d *Domain) handleDebug(evtchn.Port, any) {
	threads := d.kernel.Threads()
	d.log.Info("debug dump", "threads", len(threads), "events", d.events.Delivered(), "spurious", d.events.Spurious())
	for _, ti := range threads {
		d.log.Info("thread", "id", ti.ID, "name", ti.Name, "cpu", ti.CPU, "state", ti.State.String(), "app", ti.App)
	}
	d.debugDumps.Add(1)
}
