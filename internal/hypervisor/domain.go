package hypervisor

import (
	"sync"
	"syscall"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/gnttab"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
)

type portState int

const (
	portFree portState = iota
	portUnbound
	portInterdomain
	portVIRQ
)

type portInfo struct {
	state      portState
	vcpu       int
	remoteDom  constants.DomID
	remotePort evtchn.Port
	virq       evtchn.VIRQ
}

type virqKey struct {
	virq evtchn.VIRQ
	vcpu int
}

// Domain is one simulated guest. It implements evtchn.Hypercalls.
type Domain struct {
	hv     *Hypervisor
	id     constants.DomID
	name   string
	shared *evtchn.SharedInfo
	grants *gnttab.Table

	mu      sync.Mutex
	ports   map[evtchn.Port]*portInfo
	virqs   map[virqKey]evtchn.Port
	upcalls []func(vcpu int)

	log *logging.Logger
}

var _ evtchn.Hypercalls = (*Domain)(nil)

func newDomain(h *Hypervisor, id constants.DomID, name string, vcpus int) *Domain {
	return &Domain{
		hv:     h,
		id:     id,
		name:   name,
		shared: evtchn.NewSharedInfo(vcpus),
		grants: gnttab.New(gnttab.DefaultSize),
		ports:  make(map[evtchn.Port]*portInfo),
		virqs:  make(map[virqKey]evtchn.Port),
		log:    h.log.With("domid", id),
	}
}

func (d *Domain) ID() constants.DomID { return d.id }
func (d *Domain) Name() string        { return d.name }

// Grants returns the domain's grant table.
func (d *Domain) Grants() *gnttab.Table { return d.grants }

// Hypervisor returns the machine the domain runs on.
func (d *Domain) Hypervisor() *Hypervisor { return d.hv }

// Shared returns the shared info page.
func (d *Domain) Shared() *evtchn.SharedInfo { return d.shared }

// OnUpcall registers fn to be called when an upcall is raised on a vCPU.
// It stands in for the hypervisor interrupting the guest.
func (d *Domain) OnUpcall(fn func(vcpu int)) {
	d.mu.Lock()
	d.upcalls = append(d.upcalls, fn)
	d.mu.Unlock()
}

func (d *Domain) upcall(vcpu int) {
	d.mu.Lock()
	fns := append([]func(int){}, d.upcalls...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(vcpu)
	}
}

// allocLocked returns the lowest free port. Port 0 is reserved.
func (d *Domain) allocLocked() (evtchn.Port, int) {
	for p := evtchn.Port(1); p < constants.NumEventPorts; p++ {
		if _, used := d.ports[p]; !used {
			return p, 0
		}
	}
	return 0, -int(syscall.ENOSPC)
}

func (d *Domain) validVCPU(vcpu int) bool {
	return vcpu >= 0 && vcpu < d.shared.NumVCPUs()
}

// AllocUnbound allocates a port that remote may later bind to.
func (d *Domain) AllocUnbound(remote constants.DomID) (evtchn.Port, int) {
	if d.hv.Domain(remote) == nil {
		return 0, -int(syscall.ESRCH)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, st := d.allocLocked()
	if st < 0 {
		return 0, st
	}
	d.ports[p] = &portInfo{state: portUnbound, remoteDom: remote}
	d.shared.Mask(p)
	return p, 0
}

// BindInterdomain connects a new local port to remotePort of remote, which
// must be an unbound port allocated for this domain.
func (d *Domain) BindInterdomain(remote constants.DomID, remotePort evtchn.Port) (evtchn.Port, int) {
	r := d.hv.Domain(remote)
	if r == nil {
		return 0, -int(syscall.ESRCH)
	}

	// Lock both domains in id order.
	first, second := d, r
	if r.id < d.id {
		first, second = r, d
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	rp := r.ports[remotePort]
	if rp == nil || rp.state != portUnbound || rp.remoteDom != d.id {
		return 0, -int(syscall.EINVAL)
	}
	p, st := d.allocLocked()
	if st < 0 {
		return 0, st
	}
	d.ports[p] = &portInfo{state: portInterdomain, remoteDom: remote, remotePort: remotePort}
	d.shared.Mask(p)
	rp.state = portInterdomain
	rp.remotePort = p
	return p, 0
}

// BindVIRQ binds virq on vcpu to a new port.
func (d *Domain) BindVIRQ(virq evtchn.VIRQ, vcpu int) (evtchn.Port, int) {
	if virq >= constants.NumVIRQs {
		return 0, -int(syscall.EINVAL)
	}
	if !d.validVCPU(vcpu) {
		return 0, -int(syscall.ENOENT)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := virqKey{virq, vcpu}
	if _, dup := d.virqs[key]; dup {
		return 0, -int(syscall.EEXIST)
	}
	p, st := d.allocLocked()
	if st < 0 {
		return 0, st
	}
	d.ports[p] = &portInfo{state: portVIRQ, virq: virq, vcpu: vcpu}
	d.virqs[key] = p
	d.shared.Mask(p)
	return p, 0
}

// BindVCPU routes port to vcpu. VIRQ ports stay on the vCPU they were bound
// on.
func (d *Domain) BindVCPU(port evtchn.Port, vcpu int) int {
	if !d.validVCPU(vcpu) {
		return -int(syscall.ENOENT)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pi := d.ports[port]
	switch {
	case pi == nil:
		return -int(syscall.EINVAL)
	case pi.state == portVIRQ && pi.vcpu != vcpu:
		return -int(syscall.EINVAL)
	}
	pi.vcpu = vcpu
	return 0
}

// Close frees port. The peer of an interdomain port goes back to unbound.
func (d *Domain) Close(port evtchn.Port) int {
	d.mu.Lock()
	pi := d.ports[port]
	if pi == nil {
		d.mu.Unlock()
		return -int(syscall.EINVAL)
	}
	delete(d.ports, port)
	if pi.state == portVIRQ {
		delete(d.virqs, virqKey{pi.virq, pi.vcpu})
	}
	d.shared.Mask(port)
	d.shared.ClearPending(port)
	d.mu.Unlock()

	if pi.state == portInterdomain {
		if r := d.hv.Domain(pi.remoteDom); r != nil {
			r.mu.Lock()
			if rp := r.ports[pi.remotePort]; rp != nil && rp.state == portInterdomain && rp.remotePort == port {
				rp.state = portUnbound
				rp.remoteDom = d.id
				rp.remotePort = 0
			}
			r.mu.Unlock()
		}
	}
	return 0
}

// Send raises the peer of an interdomain port. Sending on an unbound port
// is silently dropped.
func (d *Domain) Send(port evtchn.Port) int {
	d.mu.Lock()
	pi := d.ports[port]
	if pi == nil {
		d.mu.Unlock()
		return -int(syscall.EINVAL)
	}
	state, remote, rport := pi.state, pi.remoteDom, pi.remotePort
	d.mu.Unlock()

	switch state {
	case portUnbound:
		return 0
	case portInterdomain:
		if r := d.hv.Domain(remote); r != nil {
			r.raise(rport)
		}
		return 0
	default:
		return -int(syscall.EINVAL)
	}
}

// Unmask clears the mask bit and re-raises an event that arrived while the
// port was masked.
func (d *Domain) Unmask(port evtchn.Port) int {
	d.mu.Lock()
	pi := d.ports[port]
	if pi == nil {
		d.mu.Unlock()
		return -int(syscall.EINVAL)
	}
	vcpu := pi.vcpu
	d.mu.Unlock()

	if d.shared.Unmask(port, vcpu) {
		d.upcall(vcpu)
	}
	return 0
}

func (d *Domain) raise(port evtchn.Port) {
	d.mu.Lock()
	pi := d.ports[port]
	if pi == nil {
		d.mu.Unlock()
		return
	}
	vcpu := pi.vcpu
	d.mu.Unlock()

	if d.shared.SetPending(port, vcpu) {
		d.upcall(vcpu)
	}
}

// Raise marks port pending as if its peer had sent on it. It is how tests
// inject events.
func (d *Domain) Raise(port evtchn.Port) {
	d.raise(port)
}

// RaiseVIRQ fires virq on vcpu. It reports false when nothing is bound.
func (d *Domain) RaiseVIRQ(virq evtchn.VIRQ, vcpu int) bool {
	d.mu.Lock()
	p, ok := d.virqs[virqKey{virq, vcpu}]
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.raise(p)
	return true
}

// PortCount returns the number of allocated ports.
func (d *Domain) PortCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ports)
}

// ResetPorts closes every port, as happens to a domain across save and
// restore.
func (d *Domain) ResetPorts() {
	d.mu.Lock()
	ports := make([]evtchn.Port, 0, len(d.ports))
	for p := range d.ports {
		ports = append(ports, p)
	}
	d.mu.Unlock()
	for _, p := range ports {
		d.Close(p)
	}
	d.log.Debug("ports reset", "count", len(ports))
}
