package hypervisor

import (
	"context"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
)

// EventLoop delivers events for a domain that runs no scheduler, such as the
// backend domain of the simulation. Handlers run on the loop goroutine.
type EventLoop struct {
	dom  *Domain
	cpu  *arch.CPU
	disp *evtchn.Dispatcher
}

// NewEventLoop creates a loop for vCPU 0 of d.
func NewEventLoop(d *Domain, cfg evtchn.Config) *EventLoop {
	l := &EventLoop{
		dom:  d,
		cpu:  arch.NewCPU(0),
		disp: evtchn.New(d, cfg),
	}
	d.OnUpcall(func(int) { l.cpu.Kick() })
	return l
}

// Domain returns the domain the loop serves.
func (l *EventLoop) Domain() *Domain { return l.dom }

// Dispatcher returns the loop's port table.
func (l *EventLoop) Dispatcher() *evtchn.Dispatcher { return l.disp }

// Run delivers events until ctx is done.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		l.cpu.EnterIRQ()
		l.disp.Deliver(l.cpu)
		l.cpu.ExitIRQ()

		select {
		case <-ctx.Done():
			return nil
		case <-l.cpu.Kicked():
		}
	}
}
