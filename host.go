package pvkernel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-pvkernel/internal/blkback"
	"github.com/ehrlich-b/go-pvkernel/internal/console"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/hypervisor"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/xenstore"
)

// Host is the simulated hypervisor together with the control domain that
// runs device backends and the configuration store.
type Host struct {
	hv    *hypervisor.Hypervisor
	dom0  *hypervisor.Domain
	loop  *hypervisor.EventLoop
	store *xenstore.MemStore
	base  *logging.Logger
	log   *logging.Logger

	mu      sync.Mutex
	ctx     context.Context
	group   *errgroup.Group
	pending []func(context.Context) error
}

// NewHost creates a hypervisor with a single-vCPU control domain.
func NewHost(options *Options) *Host {
	log := options.logger()
	hv := hypervisor.New(log)
	dom0 := hv.CreateDomain("dom0", 1)
	return &Host{
		hv:    hv,
		dom0:  dom0,
		loop:  hypervisor.NewEventLoop(dom0, evtchn.Config{Logger: log}),
		store: xenstore.NewMemStore(),
		base:  log,
		log:   log.WithComponent("host"),
	}
}

// Store returns the configuration store shared by every domain.
func (h *Host) Store() xenstore.Store { return h.store }

// Run serves backend events and every backend added before or during the
// call until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	h.mu.Lock()
	if h.group != nil {
		h.mu.Unlock()
		return kerr.New("host_run", kerr.CodeBusy, "host already running")
	}
	h.ctx, h.group = gctx, g
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	g.Go(func() error { return h.loop.Run(gctx) })
	for _, fn := range pending {
		g.Go(func() error { return fn(gctx) })
	}
	h.log.Info("host running", "backends", len(pending))
	return g.Wait()
}

// start runs fn under Run, now if Run has begun, otherwise when it does.
func (h *Host) start(fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.group == nil {
		h.pending = append(h.pending, fn)
		return
	}
	ctx := h.ctx
	h.group.Go(func() error { return fn(ctx) })
}

// AddDisk creates a block backend for guest and links it to the guest's
// vbd/<DevID> frontend directory.
func (h *Host) AddDisk(guest DomID, cfg DiskConfig) (*DiskBackend, error) {
	if cfg.Backend == nil {
		return nil, kerr.New("add_disk", kerr.CodeInvalidParameters, "backend is required")
	}
	front := xenstore.FrontendPath(guest, "vbd", cfg.DevID)
	if _, err := h.store.Read(front + "/backend"); err == nil {
		return nil, kerr.NewDevice("add_disk", fmt.Sprintf("vbd/%d", cfg.DevID), kerr.CodeBusy, "device already exists")
	}
	back, err := blkback.New(blkback.Config{
		Loop:     h.loop,
		Store:    h.store,
		Guest:    guest,
		DevID:    cfg.DevID,
		Backend:  cfg.Backend,
		ReadOnly: cfg.ReadOnly,
		NoFlush:  cfg.NoFlush,
		Logger:   h.base,
		Trace:    cfg.Trace,
	})
	if err != nil {
		return nil, err
	}
	if err := xenstore.Link(h.store, front, guest, back.Path(), h.dom0.ID()); err != nil {
		return nil, err
	}
	h.start(back.Run)
	h.log.Info("disk added", "guest", guest, "devid", cfg.DevID, "size", cfg.Backend.Size(), "read_only", cfg.ReadOnly)
	return back, nil
}

// AddConsole creates the console backend for guest. Guest output is copied
// to out when it is not nil.
func (h *Host) AddConsole(guest DomID, out io.Writer) (*ConsoleBackend, error) {
	front := xenstore.FrontendPath(guest, "console", 0)
	if _, err := h.store.Read(front + "/backend"); err == nil {
		return nil, kerr.NewDevice("add_console", "console", kerr.CodeBusy, "console already exists")
	}
	back, err := console.NewBackend(console.BackendConfig{
		Loop:   h.loop,
		Store:  h.store,
		Guest:  guest,
		Output: out,
		Logger: h.base,
	})
	if err != nil {
		return nil, err
	}
	if err := xenstore.Link(h.store, front, guest, back.Path(), h.dom0.ID()); err != nil {
		return nil, err
	}
	h.start(back.Run)
	return back, nil
}
