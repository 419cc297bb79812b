package console

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/gnttab"
	"github.com/ehrlich-b/go-pvkernel/internal/hypervisor"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/xenstore"
)

// BackendConfig configures a simulated console backend.
type BackendConfig struct {
	Loop  *hypervisor.EventLoop
	Store xenstore.Store
	Guest constants.DomID
	// Output receives guest output as it is drained, if set.
	Output io.Writer
	Logger *logging.Logger
}

// Backend drains guest output and feeds host input.
type Backend struct {
	cfg   BackendConfig
	dom   *hypervisor.Domain
	path  string
	front string

	mu      sync.Mutex
	ring    *Ring
	ringRef gnttab.Ref
	port    evtchn.Port
	out     bytes.Buffer
	pending []byte

	kick chan struct{}
	log  *logging.Logger
}

// NewBackend creates a console backend for cfg.Guest.
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if cfg.Loop == nil || cfg.Store == nil {
		return nil, kerr.New("console_backend", kerr.CodeInvalidParameters, "loop and store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	dom := cfg.Loop.Domain()
	return &Backend{
		cfg:   cfg,
		dom:   dom,
		path:  xenstore.BackendPath(dom.ID(), cfg.Guest, "console", 0),
		front: xenstore.FrontendPath(cfg.Guest, "console", 0),
		kick:  make(chan struct{}, 1),
		log:   cfg.Logger.WithComponent("console-backend"),
	}, nil
}

// Path returns the backend's store directory.
func (b *Backend) Path() string { return b.path }

// Output returns everything the guest has written so far.
func (b *Backend) Output() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.out.Bytes())
}

// Input queues p for the guest. Bytes that do not fit in the input ring
// are delivered as the guest reads.
func (b *Backend) Input(p []byte) {
	b.mu.Lock()
	b.pending = append(b.pending, p...)
	b.mu.Unlock()
	b.signal()
}

// Connected reports whether a guest ring is attached.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring != nil
}

func (b *Backend) signal() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Run serves the guest console until ctx is done.
func (b *Backend) Run(ctx context.Context) error {
	st := b.cfg.Store
	if err := xenstore.WriteState(st, b.path+"/state", xenstore.StateInitWait); err != nil {
		return err
	}
	ticker := time.NewTicker(constants.BackendPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.disconnect()
			xenstore.WriteState(st, b.path+"/state", xenstore.StateClosed)
			return nil
		case <-ticker.C:
			b.watch()
		case <-b.kick:
		}
		b.pump()
	}
}

func (b *Backend) watch() {
	st := b.cfg.Store
	front := xenstore.ReadState(st, b.front+"/state")
	back := xenstore.ReadState(st, b.path+"/state")
	switch {
	case b.Connected():
		if front == xenstore.StateClosing || front == xenstore.StateClosed {
			b.pump()
			b.disconnect()
			xenstore.WriteState(st, b.path+"/state", xenstore.StateClosed)
		}
	case back == xenstore.StateClosed:
		if front != xenstore.StateClosing {
			xenstore.WriteState(st, b.path+"/state", xenstore.StateInitWait)
		}
	case front == xenstore.StateInitialised:
		if err := b.connect(); err != nil {
			b.log.Error("connect failed", "error", err)
			xenstore.WriteState(st, b.path+"/state", xenstore.StateClosed)
			return
		}
		xenstore.WriteState(st, b.path+"/state", xenstore.StateConnected)
	}
}

func (b *Backend) connect() error {
	st := b.cfg.Store
	ref, err := xenstore.ReadInt(st, b.front+"/ring-ref")
	if err != nil {
		return err
	}
	remote, err := xenstore.ReadInt(st, b.front+"/port")
	if err != nil {
		return err
	}
	hv := b.dom.Hypervisor()
	page, err := hv.MapGrant(b.dom.ID(), b.cfg.Guest, gnttab.Ref(ref), true)
	if err != nil {
		return err
	}
	r, err := Attach(page)
	if err != nil {
		hv.UnmapGrant(b.cfg.Guest, gnttab.Ref(ref))
		return err
	}
	port, err := b.cfg.Loop.Dispatcher().BindInterdomain(b.cfg.Guest, evtchn.Port(remote),
		func(evtchn.Port, any) { b.signal() }, 0, nil)
	if err != nil {
		hv.UnmapGrant(b.cfg.Guest, gnttab.Ref(ref))
		return err
	}

	b.mu.Lock()
	b.ring, b.ringRef, b.port = r, gnttab.Ref(ref), port
	b.mu.Unlock()
	b.log.Info("console attached", "ring_ref", ref, "port", port)
	return nil
}

func (b *Backend) disconnect() {
	b.mu.Lock()
	r, ref, port := b.ring, b.ringRef, b.port
	b.ring, b.ringRef, b.port = nil, 0, 0
	b.mu.Unlock()
	if r == nil {
		return
	}
	if err := b.cfg.Loop.Dispatcher().Unbind(port); err != nil {
		b.log.Warn("unbind failed", "port", port, "error", err)
	}
	b.dom.Hypervisor().UnmapGrant(b.cfg.Guest, ref)
}

// pump drains output and pushes queued input, notifying the guest if
// either ring moved.
func (b *Backend) pump() {
	b.mu.Lock()
	r, port := b.ring, b.port
	if r == nil {
		b.mu.Unlock()
		return
	}
	var drained []byte
	buf := make([]byte, OutSize)
	for {
		n := r.ReadOut(buf)
		if n == 0 {
			break
		}
		drained = append(drained, buf[:n]...)
	}
	b.out.Write(drained)
	fed := r.WriteIn(b.pending)
	b.pending = b.pending[fed:]
	b.mu.Unlock()

	if len(drained) > 0 && b.cfg.Output != nil {
		b.cfg.Output.Write(drained)
	}
	if len(drained) > 0 || fed > 0 {
		if err := b.cfg.Loop.Dispatcher().Notify(port); err != nil {
			b.log.Warn("notify failed", "port", port, "error", err)
		}
	}
}
