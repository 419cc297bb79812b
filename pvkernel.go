// Package pvkernel boots a paravirtualized guest kernel on a simulated
// hypervisor: cooperative threads on virtual CPUs with a pluggable scheduling
// policy, event channels, and split-driver block and console devices served
// by backends in a host domain.
//
// Example:
//
//	host := pvkernel.NewHost(nil)
//	dom, _ := pvkernel.Boot(host, pvkernel.DefaultParams(), nil)
//	disk, _ := dom.AttachBlock(pvkernel.DiskConfig{Backend: backend.NewMemory(64 << 20)})
//	go host.Run(ctx)
//	dom.Spawn("init", func(t *pvkernel.Thread) {
//		dom.Start(t)
//		disk.Write(t, 0, buf)
//	})
//	err := dom.Run(ctx)
package pvkernel

import (
	"github.com/ehrlich-b/go-pvkernel/internal/blkback"
	"github.com/ehrlich-b/go-pvkernel/internal/blkfront"
	"github.com/ehrlich-b/go-pvkernel/internal/console"
	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/interfaces"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/mm"
	"github.com/ehrlich-b/go-pvkernel/internal/sched"
)

// Kernel types visible to callers.
type (
	Thread     = sched.Thread
	ThreadInfo = sched.ThreadInfo
	Upcalls    = sched.Upcalls

	// Disk is a block frontend; Request is one asynchronous block I/O.
	Disk    = blkfront.Device
	Request = blkfront.Request
	Console = console.Device

	DiskBackend    = blkback.Device
	ConsoleBackend = console.Backend

	DomID     = constants.DomID
	Logger    = logging.Logger
	Allocator = mm.Allocator

	Backend        = interfaces.Backend
	DiscardBackend = interfaces.DiscardBackend
	StatBackend    = interfaces.StatBackend
)

// SpawnOption configures a new thread.
type SpawnOption = sched.SpawnOption

// Application places the thread under the registered upcall policy.
func Application() SpawnOption { return sched.Application() }

// OnCPU pins the thread's initial placement to cpu.
func OnCPU(cpu int) SpawnOption { return sched.OnCPU(cpu) }

// NewRoundRobin returns the per-CPU round-robin policy, a ready-made
// Upcalls implementation for application threads.
func NewRoundRobin(ncpu int) Upcalls { return sched.NewRoundRobin(ncpu) }

// Params contains parameters for booting a guest domain
type Params struct {
	// Name is the domain name shown by the host
	Name string

	// NumCPUs is the number of virtual CPUs (default: 1)
	NumCPUs int

	// Cmdline carries boot switches. Trace tokens are recognised:
	// sched, evtchn, blkfront, console, ring, lockdebug and all.
	Cmdline string
}

// DefaultParams returns default domain parameters
func DefaultParams() Params {
	return Params{
		Name:    "guest",
		NumCPUs: constants.DefaultNumCPUs,
	}
}

// Options contains additional options for hosts and domains
type Options struct {
	// Logger for kernel messages (if nil, uses the package default)
	Logger *Logger

	// Observer for metrics collection (if nil, records into Domain.Metrics)
	Observer Observer

	// Alloc supplies shared ring pages (if nil, pages are mmapped)
	Alloc Allocator
}

func (o *Options) logger() *Logger {
	if o == nil || o.Logger == nil {
		return logging.Default()
	}
	return o.Logger
}

// DiskConfig describes one virtual block device.
type DiskConfig struct {
	// DevID is the virtual device number within the guest
	DevID int

	// Backend provides the storage
	Backend Backend

	ReadOnly bool
	// NoFlush hides feature-flush-cache from the frontend
	NoFlush bool

	// Trace logs every request the backend serves
	Trace bool
}
