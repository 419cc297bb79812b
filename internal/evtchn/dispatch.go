package evtchn

import (
	"sort"
	"sync/atomic"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/interfaces"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
)

type bindKind int

const (
	kindInterdomain bindKind = iota
	kindUnbound
	kindVIRQ
)

type binding struct {
	kind    bindKind
	virq    VIRQ
	handler Handler
	data    any
	cpu     int
}

// Config configures a Dispatcher.
type Config struct {
	Logger   *logging.Logger
	Observer interfaces.Observer
	Throttle *logging.Throttle
	// Trace logs every delivery at debug level.
	Trace bool
}

// Dispatcher owns the port to handler table of one domain.
type Dispatcher struct {
	hv     Hypercalls
	shared *SharedInfo

	lock     spinlock.Spinlock
	bindings map[Port]*binding
	// VIRQ bindings dropped by Suspend, restored by Resume
	saved []savedVIRQ

	delivered atomic.Uint64
	spurious  atomic.Uint64

	log      *logging.Logger
	observer interfaces.Observer
	throttle *logging.Throttle
	trace    bool
}

type savedVIRQ struct {
	virq    VIRQ
	handler Handler
	data    any
	cpu     int
}

// New creates a dispatcher over hv.
func New(hv Hypercalls, cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Throttle == nil {
		cfg.Throttle = logging.NewThrottle(constants.DefaultLogRate)
	}
	d := &Dispatcher{
		hv:       hv,
		shared:   hv.Shared(),
		bindings: make(map[Port]*binding),
		log:      cfg.Logger.WithComponent("evtchn"),
		observer: cfg.Observer,
		throttle: cfg.Throttle,
		trace:    cfg.Trace,
	}
	d.lock.Init("evtchn")
	return d
}

func (d *Dispatcher) install(op string, port Port, b *binding) error {
	d.lock.Lock()
	if _, dup := d.bindings[port]; dup {
		d.lock.Unlock()
		arch.Crash("evtchn: port bound twice", "port", port, "op", op)
	}
	d.bindings[port] = b
	d.lock.Unlock()

	if b.cpu != 0 {
		if st := d.hv.BindVCPU(port, b.cpu); st < 0 {
			d.drop(port)
			return d.fail(op, port, st)
		}
	}
	d.unmask(port)
	if d.trace {
		d.log.Debug("port bound", "op", op, "port", port, "cpu", b.cpu)
	}
	return nil
}

func (d *Dispatcher) fail(op string, port Port, status int) error {
	err := kerr.FromStatus(op, kerr.CodeBindingFailed, status)
	if ke, ok := err.(*kerr.Error); ok {
		ke.Port = uint32(port)
	}
	d.log.Warn("event channel operation failed", "op", op, "port", port, "status", status)
	return err
}

func (d *Dispatcher) checkCPU(op string, cpu int) error {
	if cpu < 0 || cpu >= d.shared.NumVCPUs() {
		return kerr.New(op, kerr.CodeInvalidParameters, "no such vcpu")
	}
	return nil
}

// BindVIRQ binds virtual interrupt virq to h, delivered on cpu.
func (d *Dispatcher) BindVIRQ(virq VIRQ, cpu int, h Handler, data any) (Port, error) {
	if err := d.checkCPU("bind_virq", cpu); err != nil {
		return 0, err
	}
	port, st := d.hv.BindVIRQ(virq, cpu)
	if st < 0 {
		return 0, d.fail("bind_virq", 0, st)
	}
	// The hypervisor already routes a VIRQ to the vcpu it was bound on.
	d.lock.Lock()
	if _, dup := d.bindings[port]; dup {
		d.lock.Unlock()
		arch.Crash("evtchn: port bound twice", "port", port, "op", "bind_virq")
	}
	d.bindings[port] = &binding{kind: kindVIRQ, virq: virq, handler: h, data: data, cpu: cpu}
	d.lock.Unlock()
	d.unmask(port)
	d.log.Debug("virq bound", "virq", virq.String(), "port", port, "cpu", cpu)
	return port, nil
}

// BindInterdomain connects to remotePort of domain remote, which the peer
// allocated with AllocUnbound.
func (d *Dispatcher) BindInterdomain(remote constants.DomID, remotePort Port, h Handler, cpu int, data any) (Port, error) {
	if err := d.checkCPU("bind_interdomain", cpu); err != nil {
		return 0, err
	}
	port, st := d.hv.BindInterdomain(remote, remotePort)
	if st < 0 {
		return 0, d.fail("bind_interdomain", 0, st)
	}
	b := &binding{kind: kindInterdomain, handler: h, data: data, cpu: cpu}
	if err := d.install("bind_interdomain", port, b); err != nil {
		d.hv.Close(port)
		return 0, err
	}
	return port, nil
}

// AllocUnbound allocates a port that domain remote may bind to.
func (d *Dispatcher) AllocUnbound(remote constants.DomID, h Handler, cpu int, data any) (Port, error) {
	if err := d.checkCPU("alloc_unbound", cpu); err != nil {
		return 0, err
	}
	port, st := d.hv.AllocUnbound(remote)
	if st < 0 {
		return 0, d.fail("alloc_unbound", 0, st)
	}
	b := &binding{kind: kindUnbound, handler: h, data: data, cpu: cpu}
	if err := d.install("alloc_unbound", port, b); err != nil {
		d.hv.Close(port)
		return 0, err
	}
	return port, nil
}

func (d *Dispatcher) drop(port Port) *binding {
	d.lock.Lock()
	defer d.lock.Unlock()
	b := d.bindings[port]
	delete(d.bindings, port)
	return b
}

// Unbind masks port, removes its handler and closes it. Unbinding a port
// that is not bound is an error.
func (d *Dispatcher) Unbind(port Port) error {
	d.shared.Mask(port)
	if d.drop(port) == nil {
		return kerr.New("unbind", kerr.CodeInvalidParameters, "port not bound")
	}
	d.shared.ClearPending(port)
	if st := d.hv.Close(port); st < 0 {
		return d.fail("close", port, st)
	}
	return nil
}

// RebindToCPU moves delivery of port to cpu.
func (d *Dispatcher) RebindToCPU(port Port, cpu int) error {
	if err := d.checkCPU("bind_vcpu", cpu); err != nil {
		return err
	}
	d.lock.Lock()
	b := d.bindings[port]
	d.lock.Unlock()
	if b == nil {
		return kerr.New("bind_vcpu", kerr.CodeInvalidParameters, "port not bound")
	}
	if st := d.hv.BindVCPU(port, cpu); st < 0 {
		return d.fail("bind_vcpu", port, st)
	}
	d.lock.Lock()
	b.cpu = cpu
	d.lock.Unlock()
	return nil
}

// Notify signals the remote end of port.
func (d *Dispatcher) Notify(port Port) error {
	if st := d.hv.Send(port); st < 0 {
		return d.fail("send", port, st)
	}
	return nil
}

// Mask stops delivery on port; events stay pending.
func (d *Dispatcher) Mask(port Port) {
	d.shared.Mask(port)
}

// Unmask resumes delivery on port, delivering anything that arrived while
// it was masked.
func (d *Dispatcher) Unmask(port Port) {
	d.unmask(port)
}

func (d *Dispatcher) unmask(port Port) {
	d.hv.Unmask(port)
}

// Deliver runs the handlers of every pending port bound to c. The kernel
// calls it at dispatch points with c in event-handler context.
func (d *Dispatcher) Deliver(c *arch.CPU) {
	cpu := c.ID()
	d.shared.Scan(cpu, func(port Port) bool {
		d.lock.Lock()
		defer d.lock.Unlock()
		b := d.bindings[port]
		// Unbound ports belong to whoever scans first.
		return b == nil || b.cpu == cpu
	}, func(port Port) {
		d.dispatch(port, cpu)
	})
}

func (d *Dispatcher) dispatch(port Port, cpu int) {
	d.lock.Lock()
	b := d.bindings[port]
	d.lock.Unlock()

	if b == nil {
		d.spurious.Add(1)
		d.throttle.Warn(d.log, "spurious", "event on unbound port", "port", port, "cpu", cpu)
		if d.observer != nil {
			d.observer.ObserveEvent(uint32(port), true)
		}
		return
	}

	if d.trace {
		d.log.Debug("event", "port", port, "cpu", cpu)
	}
	b.handler(port, b.data)
	d.delivered.Add(1)
	if d.observer != nil {
		d.observer.ObserveEvent(uint32(port), false)
	}
}

// Bound reports whether port has a handler.
func (d *Dispatcher) Bound(port Port) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	_, ok := d.bindings[port]
	return ok
}

// Ports returns the bound ports in ascending order.
func (d *Dispatcher) Ports() []Port {
	d.lock.Lock()
	ports := make([]Port, 0, len(d.bindings))
	for p := range d.bindings {
		ports = append(ports, p)
	}
	d.lock.Unlock()
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Delivered returns the number of handler invocations.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Spurious returns the number of events that arrived on unbound ports.
func (d *Dispatcher) Spurious() uint64 { return d.spurious.Load() }

// Suspend unbinds every port. Ports do not survive a suspend; frontends
// rebind on resume and VIRQ bindings are restored by Resume.
func (d *Dispatcher) Suspend() error {
	d.lock.Lock()
	ports := make([]Port, 0, len(d.bindings))
	d.saved = d.saved[:0]
	for p, b := range d.bindings {
		ports = append(ports, p)
		if b.kind == kindVIRQ {
			d.saved = append(d.saved, savedVIRQ{virq: b.virq, handler: b.handler, data: b.data, cpu: b.cpu})
		}
	}
	d.lock.Unlock()

	var firstErr error
	for _, p := range ports {
		if err := d.Unbind(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.log.Info("event channels suspended", "ports", len(ports), "virqs", len(d.saved))
	return firstErr
}

// Resume re-establishes the VIRQ bindings dropped by Suspend.
func (d *Dispatcher) Resume() error {
	saved := d.saved
	d.saved = nil
	for _, s := range saved {
		if _, err := d.BindVIRQ(s.virq, s.cpu, s.handler, s.data); err != nil {
			return err
		}
	}
	d.log.Info("event channels resumed", "virqs", len(saved))
	return nil
}
