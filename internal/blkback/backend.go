// Package blkback is a simulated block backend. It runs in a host domain,
// answers the frontend handshake in the store and serves ring requests from
// an interfaces.Backend.
package blkback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-pvkernel/internal/blkif"
	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/gnttab"
	"github.com/ehrlich-b/go-pvkernel/internal/hypervisor"
	"github.com/ehrlich-b/go-pvkernel/internal/interfaces"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/ring"
	"github.com/ehrlich-b/go-pvkernel/internal/xenstore"
)

// Disk flags written to the info key.
const infoReadOnly = 4

// Config describes one exported disk.
type Config struct {
	// Loop is the event loop of the domain hosting the backend.
	Loop    *hypervisor.EventLoop
	Store   xenstore.Store
	Guest   constants.DomID
	DevID   int
	Backend interfaces.Backend

	ReadOnly bool
	NoFlush  bool

	Logger *logging.Logger
	Trace  bool
}

// Device serves one frontend.
type Device struct {
	cfg   Config
	dom   *hypervisor.Domain
	hv    *hypervisor.Hypervisor
	path  string
	front string

	// mu guards the connection; the ring itself is only touched by Run.
	mu      sync.Mutex
	page    []byte
	ringRef gnttab.Ref
	ring    *ring.Back
	port    evtchn.Port

	kick   chan struct{}
	paused atomic.Bool

	served atomic.Uint64
	failed atomic.Uint64

	log *logging.Logger
}

// New creates a backend for cfg.Guest's virtual disk cfg.DevID.
func New(cfg Config) (*Device, error) {
	if cfg.Loop == nil || cfg.Store == nil || cfg.Backend == nil {
		return nil, kerr.New("blkback", kerr.CodeInvalidParameters, "loop, store and backend are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	dom := cfg.Loop.Domain()
	return &Device{
		cfg:   cfg,
		dom:   dom,
		hv:    dom.Hypervisor(),
		path:  xenstore.BackendPath(dom.ID(), cfg.Guest, "vbd", cfg.DevID),
		front: xenstore.FrontendPath(cfg.Guest, "vbd", cfg.DevID),
		kick:  make(chan struct{}, 1),
		log:   cfg.Logger.WithComponent("blkback").WithDevice(fmt.Sprintf("vbd/%d/%d", cfg.Guest, cfg.DevID)),
	}, nil
}

// Path returns the backend's store directory.
func (b *Device) Path() string { return b.path }

// Served returns the number of requests answered and how many failed.
func (b *Device) Served() (total, failed uint64) { return b.served.Load(), b.failed.Load() }

// Connected reports whether a frontend ring is attached.
func (b *Device) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring != nil
}

// Pause stops request processing; events are remembered and served on
// Unpause.
func (b *Device) Pause() { b.paused.Store(true) }

// Unpause resumes request processing.
func (b *Device) Unpause() {
	b.paused.Store(false)
	b.signal()
}

func (b *Device) signal() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Device) handleEvent(evtchn.Port, any) { b.signal() }

// Advertise writes the disk geometry and the InitWait state.
func (b *Device) Advertise() error {
	st := b.cfg.Store
	var info int64
	if b.cfg.ReadOnly {
		info |= infoReadOnly
	}
	flush := int64(1)
	if b.cfg.NoFlush {
		flush = 0
	}
	var discard int64
	if _, ok := b.cfg.Backend.(interfaces.DiscardBackend); ok && !b.cfg.ReadOnly {
		discard = 1
	}
	for _, kv := range []struct {
		key string
		val int64
	}{
		{"sectors", b.cfg.Backend.Size() / constants.SectorSize},
		{"sector-size", constants.SectorSize},
		{"info", info},
		{"feature-flush-cache", flush},
		{"feature-discard", discard},
	} {
		if err := xenstore.WriteInt(st, b.path+"/"+kv.key, kv.val); err != nil {
			return err
		}
	}
	return xenstore.WriteState(st, b.path+"/state", xenstore.StateInitWait)
}

// Run advertises the disk and serves the frontend until ctx is done.
func (b *Device) Run(ctx context.Context) error {
	if err := b.Advertise(); err != nil {
		return err
	}
	b.log.Info("backend ready", "path", b.path, "size", b.cfg.Backend.Size())

	ticker := time.NewTicker(constants.BackendPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.disconnect()
			xenstore.WriteState(b.cfg.Store, b.path+"/state", xenstore.StateClosed)
			return nil
		case <-ticker.C:
			b.watch()
		case <-b.kick:
		}
		if !b.paused.Load() {
			b.process()
		}
	}
}

// watch follows the frontend state machine.
func (b *Device) watch() {
	st := b.cfg.Store
	front := xenstore.ReadState(st, b.front+"/state")
	back := xenstore.ReadState(st, b.path+"/state")

	switch {
	case b.Connected():
		if front == xenstore.StateClosing || front == xenstore.StateClosed || front == xenstore.StateUnknown {
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

func (b *Device) connect() error {
	st := b.cfg.Store
	ref, err := xenstore.ReadInt(st, b.front+"/ring-ref")
	if err != nil {
		return err
	}
	remote, err := xenstore.ReadInt(st, b.front+"/event-channel")
	if err != nil {
		return err
	}
	page, err := b.hv.MapGrant(b.dom.ID(), b.cfg.Guest, gnttab.Ref(ref), true)
	if err != nil {
		return err
	}
	shared, err := ring.Attach(page, blkif.SlotSize)
	if err != nil {
		b.hv.UnmapGrant(b.cfg.Guest, gnttab.Ref(ref))
		return err
	}
	port, err := b.cfg.Loop.Dispatcher().BindInterdomain(b.cfg.Guest, evtchn.Port(remote), b.handleEvent, 0, nil)
	if err != nil {
		b.hv.UnmapGrant(b.cfg.Guest, gnttab.Ref(ref))
		return err
	}

	b.mu.Lock()
	b.page = page
	b.ringRef = gnttab.Ref(ref)
	b.ring = ring.NewBack(shared)
	b.port = port
	b.mu.Unlock()

	b.log.Info("frontend connected", "ring_ref", ref, "port", port, "remote_port", remote)
	b.signal()
	return nil
}

func (b *Device) disconnect() {
	b.mu.Lock()
	r, ref, port := b.ring, b.ringRef, b.port
	b.page, b.ring, b.ringRef, b.port = nil, nil, 0, 0
	b.mu.Unlock()
	if r == nil {
		return
	}
	if err := b.cfg.Loop.Dispatcher().Unbind(port); err != nil {
		b.log.Warn("unbind failed", "port", port, "error", err)
	}
	b.hv.UnmapGrant(b.cfg.Guest, ref)
	b.log.Info("frontend disconnected")
}

// process answers every pending request in order.
func (b *Device) process() {
	b.mu.Lock()
	r, port := b.ring, b.port
	b.mu.Unlock()
	if r == nil {
		return
	}

	n := r.ConsumeRequests(func(slot []byte) {
		var req blkif.Request
		rsp := blkif.Response{Status: blkif.StatusError}
		if err := blkif.GetRequest(slot, &req); err != nil {
			b.log.Warn("bad request", "error", err)
		} else {
			rsp.ID, rsp.Op = req.ID, req.Op
			rsp.Status = b.serve(&req)
		}
		if rsp.Status != blkif.StatusOK {
			b.failed.Add(1)
		}
		b.served.Add(1)
		if err := blkif.PutResponse(r.NextResponse(), &rsp); err != nil {
			b.log.Error("response encode failed", "error", err)
		}
	})
	if n == 0 {
		return
	}
	if r.PushResponses() {
		if err := b.cfg.Loop.Dispatcher().Notify(port); err != nil {
			b.log.Warn("notify failed", "port", port, "error", err)
		}
	}
}

var errUnsupported = errors.New("unsupported operation")

// serve performs one request against the disk and returns its wire status.
func (b *Device) serve(req *blkif.Request) int64 {
	if b.cfg.Trace {
		b.log.WithRequest(req.ID, req.Op.String()).Debug("request", "sector", req.Sector, "segments", req.NrSegments)
	}
	var err error
	switch req.Op {
	case blkif.OpRead, blkif.OpWrite:
		if req.Op == blkif.OpWrite && b.cfg.ReadOnly {
			err = kerr.New("write", kerr.CodePermissionDenied, "read-only disk")
			break
		}
		err = b.transfer(req)
	case blkif.OpFlush:
		if b.cfg.NoFlush {
			err = errUnsupported
			break
		}
		err = b.cfg.Backend.Flush()
	case blkif.OpDiscard:
		err = b.discard(req)
	default:
		err = errUnsupported
	}

	switch {
	case err == nil:
		return blkif.StatusOK
	case errors.Is(err, errUnsupported):
		return blkif.StatusNotSupport
	default:
		b.log.WithRequest(req.ID, req.Op.String()).Warn("request failed", "sector", req.Sector, "error", err)
		return blkif.StatusError
	}
}

func (b *Device) discard(req *blkif.Request) error {
	d, ok := b.cfg.Backend.(interfaces.DiscardBackend)
	if !ok || b.cfg.ReadOnly {
		return errUnsupported
	}
	end := req.Sector + req.NrSectors
	if req.NrSectors == 0 || end < req.Sector || int64(end)*constants.SectorSize > b.cfg.Backend.Size() {
		return kerr.New("discard", kerr.CodeInvalidParameters, "range outside disk")
	}
	return d.Discard(int64(req.Sector)*constants.SectorSize, int64(req.NrSectors)*constants.SectorSize)
}

// transfer maps each segment, moves its sector window and unmaps it.
func (b *Device) transfer(req *blkif.Request) error {
	if req.NrSegments == 0 {
		return kerr.New(req.Op.String(), kerr.CodeInvalidParameters, "no segments")
	}
	off := int64(req.Sector) * constants.SectorSize
	for i := 0; i < int(req.NrSegments); i++ {
		seg := req.Segments[i]
		if seg.FirstSect > seg.LastSect || seg.LastSect >= constants.SectorsPerPage {
			return kerr.New(req.Op.String(), kerr.CodeInvalidParameters, "bad segment window")
		}
		ref := gnttab.Ref(seg.Gref)
		// A read writes into the guest's page.
		page, err := b.hv.MapGrant(b.dom.ID(), b.cfg.Guest, ref, req.Op == blkif.OpRead)
		if err != nil {
			return err
		}
		win := page[int(seg.FirstSect)*constants.SectorSize : (int(seg.LastSect)+1)*constants.SectorSize]
		if req.Op == blkif.OpRead {
			_, err = b.cfg.Backend.ReadAt(win, off)
		} else {
			_, err = b.cfg.Backend.WriteAt(win, off)
		}
		b.hv.UnmapGrant(b.cfg.Guest, ref)
		if err != nil {
			return err
		}
		off += int64(len(win))
	}
	return nil
}
