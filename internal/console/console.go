// Package console is the guest console: a byte ring shared with a console
// backend, with output written by guest threads and input delivered through
// the console's event channel.
package console

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/gnttab"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/mm"
	"github.com/ehrlich-b/go-pvkernel/internal/sched"
	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
	"github.com/ehrlich-b/go-pvkernel/internal/waitq"
	"github.com/ehrlich-b/go-pvkernel/internal/xenstore"
)

// Config wires a console to its domain.
type Config struct {
	Events *evtchn.Dispatcher
	Grants *gnttab.Table
	Store  xenstore.Store
	Alloc  mm.Allocator

	DomID constants.DomID
	// CPU receives the console's event channel.
	CPU int

	Logger *logging.Logger
	Trace  bool
}

// Device is the console frontend.
type Device struct {
	cfg   Config
	front string

	// lock serializes the producer side of the output ring and the consumer
	// side of the input ring.
	lock    spinlock.Spinlock
	ring    atomic.Pointer[Ring]
	page    []byte
	ringRef gnttab.Ref
	port    evtchn.Port

	readers waitq.WaitQueue
	writers waitq.WaitQueue

	written atomic.Uint64
	read    atomic.Uint64

	log *logging.Logger
}

// New creates a disconnected console.
func New(cfg Config) (*Device, error) {
	if cfg.Events == nil || cfg.Grants == nil || cfg.Store == nil {
		return nil, kerr.New("console", kerr.CodeInvalidParameters, "events, grants and store are required")
	}
	if cfg.Alloc == nil {
		cfg.Alloc = mm.NewPages()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	d := &Device{
		cfg:   cfg,
		front: xenstore.FrontendPath(cfg.DomID, "console", 0),
		log:   cfg.Logger.WithComponent("console"),
	}
	d.lock.Init("console")
	return d, nil
}

// Path returns the console's store directory.
func (d *Device) Path() string { return d.front }

// Name implements the registry's service naming.
func (d *Device) Name() string { return "console" }

// Connected reports whether the ring is attached.
func (d *Device) Connected() bool { return d.ring.Load() != nil }

// Stats returns the bytes written and read so far.
func (d *Device) Stats() (written, read uint64) { return d.written.Load(), d.read.Load() }

// Connect shares a fresh ring page with the console backend and waits for
// it to attach.
func (d *Device) Connect(t *sched.Thread) error {
	if d.Connected() {
		return kerr.NewDevice("connect", "console", kerr.CodeBusy, "already connected")
	}
	st := d.cfg.Store
	backPath, back, err := xenstore.ReadBackend(st, d.front)
	if err != nil {
		return kerr.Wrap("connect", err)
	}

	page, err := d.cfg.Alloc.Allocate(constants.PageSize, constants.PageSize)
	if err != nil {
		return kerr.Wrap("connect", err)
	}
	clear(page)
	r, err := Attach(page)
	if err != nil {
		d.cfg.Alloc.Free(page)
		return err
	}
	ref, err := d.cfg.Grants.GrantAccess(back, page, false)
	if err != nil {
		d.cfg.Alloc.Free(page)
		return kerr.Wrap("connect", err)
	}
	port, err := d.cfg.Events.AllocUnbound(back, d.handleEvent, d.cfg.CPU, nil)
	if err != nil {
		d.cfg.Grants.EndAccess(ref)
		d.cfg.Alloc.Free(page)
		return err
	}
	d.lock.Lock()
	d.page, d.ringRef, d.port = page, ref, port
	d.lock.Unlock()

	for _, kv := range [][2]string{
		{"ring-ref", strconv.FormatUint(uint64(ref), 10)},
		{"port", strconv.FormatUint(uint64(port), 10)},
	} {
		if err := st.Write(d.front+"/"+kv[0], kv[1]); err != nil {
			d.teardown()
			return kerr.Wrap("connect", err)
		}
	}
	xenstore.WriteState(st, d.front+"/state", xenstore.StateInitialised)

	deadline := time.Now().Add(constants.ConnectTimeout)
	for xenstore.ReadState(st, backPath+"/state") != xenstore.StateConnected {
		if time.Now().After(deadline) {
			d.teardown()
			xenstore.WriteState(st, d.front+"/state", xenstore.StateClosed)
			return kerr.NewDevice("connect", "console", kerr.CodeTimeout, "backend did not connect")
		}
		t.Sleep(constants.DevicePollingInterval)
	}

	d.ring.Store(r)
	xenstore.WriteState(st, d.front+"/state", xenstore.StateConnected)
	d.log.Info("console connected", "port", port, "ring_ref", ref)
	return nil
}

// Disconnect closes the handshake and releases the ring. Blocked readers
// and writers return ErrNotConnected.
func (d *Device) Disconnect(t *sched.Thread) error {
	r := d.ring.Swap(nil)
	if r == nil {
		return nil
	}
	d.readers.WakeAll()
	d.writers.WakeAll()

	st := d.cfg.Store
	backPath, _, _ := xenstore.ReadBackend(st, d.front)
	xenstore.WriteState(st, d.front+"/state", xenstore.StateClosing)
	deadline := time.Now().Add(constants.ConnectTimeout)
	for xenstore.ReadState(st, backPath+"/state") == xenstore.StateConnected {
		if time.Now().After(deadline) {
			d.log.Warn("backend did not acknowledge close")
			break
		}
		t.Sleep(constants.DevicePollingInterval)
	}

	d.teardown()
	xenstore.WriteState(st, d.front+"/state", xenstore.StateClosed)
	d.log.Info("console disconnected")
	return nil
}

// teardown releases the ring page, grant and port. Writers finish with the
// page before it is freed.
func (d *Device) teardown() {
	d.lock.Lock()
	page, ref, port := d.page, d.ringRef, d.port
	d.page, d.ringRef, d.port = nil, 0, 0
	d.lock.Unlock()

	if port != 0 {
		if err := d.cfg.Events.Unbind(port); err != nil {
			d.log.Warn("unbind failed", "port", port, "error", err)
		}
	}
	if ref != 0 && !d.cfg.Grants.EndAccess(ref) {
		d.log.Warn("ring grant still in use", "ring_ref", ref)
	} else if page != nil {
		d.cfg.Alloc.Free(page)
	}
}

func (d *Device) Start(t *sched.Thread) error   { return d.Connect(t) }
func (d *Device) Suspend(t *sched.Thread) error { return d.Disconnect(t) }
func (d *Device) Resume(t *sched.Thread) error  { return d.Connect(t) }

func (d *Device) notify(port evtchn.Port) {
	if port == 0 {
		return
	}
	if err := d.cfg.Events.Notify(port); err != nil {
		d.log.Warn("notify failed", "error", err)
	}
}

// handleEvent runs when the backend produced input or consumed output.
func (d *Device) handleEvent(evtchn.Port, any) {
	d.readers.WakeAll()
	d.writers.WakeAll()
}

// Write copies as much of p as fits into the output ring and notifies the
// backend. It never blocks.
func (d *Device) Write(p []byte) (int, error) {
	d.lock.Lock()
	r, port := d.ring.Load(), d.port
	if r == nil {
		d.lock.Unlock()
		return 0, kerr.NewDevice("write", "console", kerr.CodeNotConnected, "")
	}
	n := r.WriteOut(p)
	d.lock.Unlock()
	if n > 0 {
		d.written.Add(uint64(n))
		d.notify(port)
	}
	return n, nil
}

// WriteAll writes every byte of p, blocking t while the output ring is
// full.
func (d *Device) WriteAll(t *sched.Thread, p []byte) error {
	for len(p) > 0 {
		n, err := d.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
		if len(p) == 0 {
			break
		}
		d.writers.WaitEvent(t, func() bool {
			r := d.ring.Load()
			return r == nil || r.OutFree() > 0
		})
	}
	return nil
}

// Read blocks t until input is available and returns what fits in p.
func (d *Device) Read(t *sched.Thread, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	d.readers.WaitEvent(t, func() bool {
		r := d.ring.Load()
		return r == nil || r.InPending() > 0
	})
	c := t.CPU()
	flags := d.lock.LockIRQSave(c)
	r, port := d.ring.Load(), d.port
	if r == nil {
		d.lock.UnlockIRQRestore(c, flags)
		return 0, kerr.NewDevice("read", "console", kerr.CodeNotConnected, "")
	}
	n := r.ReadIn(p)
	d.lock.UnlockIRQRestore(c, flags)
	if n > 0 {
		d.read.Add(uint64(n))
		// The backend may be waiting for room.
		d.notify(port)
	}
	if d.cfg.Trace {
		d.log.Debug("console read", "bytes", n)
	}
	return n, nil
}
