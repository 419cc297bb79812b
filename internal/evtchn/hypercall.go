// Package evtchn binds event channel ports to handlers and delivers pending
// events. Ports come from the hypervisor through the Hypercalls surface.
package evtchn

import (
	"fmt"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
)

// Port is an event channel port number. Port 0 is never allocated.
type Port uint32

// Handler runs in event-handler context on the CPU the port is bound to. It
// must not block.
type Handler func(port Port, data any)

// VIRQ is a virtual interrupt line raised by the hypervisor.
type VIRQ uint32

const (
	VIRQTimer    VIRQ = 0
	VIRQDebug    VIRQ = 1
	VIRQConsole  VIRQ = 2
	VIRQDomExc   VIRQ = 3
	VIRQTbuf     VIRQ = 4
	VIRQDebugger VIRQ = 6
	VIRQXenOProf VIRQ = 7
	VIRQConsole2 VIRQ = 8
	VIRQPowerOff VIRQ = 9
)

func (v VIRQ) String() string {
	switch v {
	case VIRQTimer:
		return "timer"
	case VIRQDebug:
		return "debug"
	case VIRQConsole:
		return "console"
	case VIRQDomExc:
		return "dom_exc"
	case VIRQPowerOff:
		return "poweroff"
	default:
		return fmt.Sprintf("virq%d", uint32(v))
	}
}

// Hypercalls is the event channel interface of the hypervisor. Status values
// are zero or positive on success and a negated errno on failure.
type Hypercalls interface {
	AllocUnbound(remote constants.DomID) (Port, int)
	BindInterdomain(remote constants.DomID, remotePort Port) (Port, int)
	BindVIRQ(virq VIRQ, vcpu int) (Port, int)
	BindVCPU(port Port, vcpu int) int
	Close(port Port) int
	Send(port Port) int
	// Unmask asks the hypervisor to re-raise an event that arrived while the
	// port was masked.
	Unmask(port Port) int
	Shared() *SharedInfo
}
