// Package hypervisor simulates the host side of a paravirtualized machine:
// domains, their event channel ports and grant tables. Guests reach it only
// through the evtchn.Hypercalls surface and gnttab references.
package hypervisor

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/gnttab"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
)

// Hypervisor owns every simulated domain.
type Hypervisor struct {
	mu      sync.Mutex
	domains map[constants.DomID]*Domain
	next    constants.DomID

	log *logging.Logger
}

// New creates an empty machine. The first domain created is domain 0.
func New(log *logging.Logger) *Hypervisor {
	if log == nil {
		log = logging.Default()
	}
	return &Hypervisor{
		domains: make(map[constants.DomID]*Domain),
		log:     log.WithComponent("hypervisor"),
	}
}

// CreateDomain creates a domain with vcpus virtual CPUs.
func (h *Hypervisor) CreateDomain(name string, vcpus int) *Domain {
	if vcpus < 1 {
		vcpus = 1
	}
	h.mu.Lock()
	id := h.next
	h.next++
	d := newDomain(h, id, name, vcpus)
	h.domains[id] = d
	h.mu.Unlock()

	h.log.Info("domain created", "domid", id, "name", name, "vcpus", vcpus)
	return d
}

// Domain returns the domain with id, or nil.
func (h *Hypervisor) Domain(id constants.DomID) *Domain {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.domains[id]
}

// DestroyDomain closes every port of id and forgets it.
func (h *Hypervisor) DestroyDomain(id constants.DomID) {
	h.mu.Lock()
	d := h.domains[id]
	delete(h.domains, id)
	h.mu.Unlock()
	if d != nil {
		d.ResetPorts()
		h.log.Info("domain destroyed", "domid", id, "name", d.name)
	}
}

// MapGrant maps grant ref of domain granter into domain mapper.
func (h *Hypervisor) MapGrant(mapper, granter constants.DomID, ref gnttab.Ref, write bool) ([]byte, error) {
	g := h.Domain(granter)
	if g == nil {
		return nil, kerr.New("map_grant", kerr.CodeDeviceNotFound, fmt.Sprintf("no domain %d", granter))
	}
	return g.grants.Map(ref, mapper, write)
}

// UnmapGrant releases a mapping obtained with MapGrant.
func (h *Hypervisor) UnmapGrant(granter constants.DomID, ref gnttab.Ref) {
	if g := h.Domain(granter); g != nil {
		g.grants.Unmap(ref)
	}
}
