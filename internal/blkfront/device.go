// Package blkfront is the block device frontend: it shares a request ring
// with a backend domain, submits I/O into it and completes requests from
// the ring's event handler.
package blkfront

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-pvkernel/internal/blkif"
	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/gnttab"
	"github.com/ehrlich-b/go-pvkernel/internal/interfaces"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/mm"
	"github.com/ehrlich-b/go-pvkernel/internal/ring"
	"github.com/ehrlich-b/go-pvkernel/internal/sched"
	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
	"github.com/ehrlich-b/go-pvkernel/internal/waitq"
	"github.com/ehrlich-b/go-pvkernel/internal/xenstore"
)

// Disk flags advertised in the backend's info key.
const (
	InfoCDROM     = 1
	InfoRemovable = 2
	InfoReadOnly  = 4
)

// Config wires a frontend to its domain.
type Config struct {
	Events *evtchn.Dispatcher
	Grants *gnttab.Table
	Store  xenstore.Store
	Alloc  mm.Allocator

	DomID constants.DomID
	DevID int
	// CPU receives the device's event channel.
	CPU int

	Logger   *logging.Logger
	Observer interfaces.Observer
	Throttle *logging.Throttle
	Trace    bool
}

// Info describes the disk as advertised by the backend.
type Info struct {
	Backend    string
	BackendID  constants.DomID
	Sectors    uint64
	SectorSize uint32
	Flags      uint32
	Flush      bool
	Discard    bool
}

// ReadOnly reports whether writes will be refused.
func (i Info) ReadOnly() bool { return i.Flags&InfoReadOnly != 0 }

// Size returns the disk size in bytes.
func (i Info) Size() int64 { return int64(i.Sectors) * int64(i.SectorSize) }

type inflight struct {
	req    *Request
	grefs  [blkif.MaxSegments]gnttab.Ref
	ngrefs int
	start  time.Time
}

// Device is a block frontend.
type Device struct {
	cfg   Config
	name  string
	front string

	lock      spinlock.Spinlock
	connected bool
	page      []byte
	ring      *ring.Front
	ringRef   gnttab.Ref
	port      evtchn.Port
	slots     []inflight
	freeIDs   []uint16
	inFlight  int
	info      Info

	// space is woken whenever a slot is freed, idle when none are in use.
	space waitq.WaitQueue
	idle  waitq.WaitQueue

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	log      *logging.Logger
	observer interfaces.Observer
	throttle *logging.Throttle
}

// New creates a disconnected frontend for virtual device cfg.DevID.
func New(cfg Config) (*Device, error) {
	if cfg.Events == nil || cfg.Grants == nil || cfg.Store == nil {
		return nil, kerr.New("blkfront", kerr.CodeInvalidParameters, "events, grants and store are required")
	}
	if cfg.Alloc == nil {
		cfg.Alloc = mm.NewPages()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Throttle == nil {
		cfg.Throttle = logging.NewThrottle(constants.DefaultLogRate)
	}
	name := fmt.Sprintf("vbd/%d", cfg.DevID)
	d := &Device{
		cfg:      cfg,
		name:     name,
		front:    xenstore.FrontendPath(cfg.DomID, "vbd", cfg.DevID),
		slots:    make([]inflight, blkif.RingSize),
		log:      cfg.Logger.WithComponent("blkfront").WithDevice(name),
		observer: cfg.Observer,
		throttle: cfg.Throttle,
	}
	d.lock.Init(name)
	return d, nil
}

// Name returns the device name, vbd/<devid>.
func (d *Device) Name() string { return d.name }

// Info returns what the backend advertised at connect time.
func (d *Device) Info() Info {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.info
}

// Connected reports whether the device accepts I/O.
func (d *Device) Connected() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.connected
}

// InFlight returns the number of submitted requests without a response.
func (d *Device) InFlight() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.inFlight
}

// Port returns the device's event channel, zero while disconnected.
func (d *Device) Port() evtchn.Port {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.port
}

// Stats returns request counters.
func (d *Device) Stats() (submitted, completed, failed uint64) {
	return d.submitted.Load(), d.completed.Load(), d.failed.Load()
}

func (d *Device) key(k string) string { return d.front + "/" + k }

func (d *Device) fail(op string, code kerr.Code, msg string) *kerr.Error {
	return kerr.NewDevice(op, d.name, code, msg)
}

// Connect performs the handshake with the backend: it allocates and grants
// the ring, allocates an event channel, publishes both in the store and
// waits for the backend to connect. Binding failures abort this device only.
func (d *Device) Connect(t *sched.Thread) error {
	d.lock.Lock()
	busy := d.ring != nil
	d.lock.Unlock()
	if busy {
		return d.fail("connect", kerr.CodeBusy, "already connected")
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
	shared, err := ring.Init(page, blkif.SlotSize)
	if err != nil {
		d.cfg.Alloc.Free(page)
		return kerr.Wrap("connect", err)
	}
	ref, err := d.cfg.Grants.GrantAccess(back, page, false)
	if err != nil {
		d.cfg.Alloc.Free(page)
		return kerr.Wrap("connect", err)
	}
	port, err := d.cfg.Events.AllocUnbound(back, d.handleEvent, d.cfg.CPU, d)
	if err != nil {
		d.cfg.Grants.EndAccess(ref)
		d.cfg.Alloc.Free(page)
		d.log.Error("event channel allocation failed", "error", err)
		return err
	}

	d.lock.Lock()
	d.page = page
	d.ring = ring.NewFront(shared)
	d.ringRef = ref
	d.port = port
	d.freeIDs = d.freeIDs[:0]
	for id := len(d.slots) - 1; id >= 0; id-- {
		d.freeIDs = append(d.freeIDs, uint16(id))
		d.slots[id] = inflight{}
	}
	d.inFlight = 0
	d.lock.Unlock()

	if err := d.publish(ref, port); err != nil {
		d.teardown()
		return err
	}

	backState := backPath + "/state"
	deadline := time.Now().Add(constants.ConnectTimeout)
	for xenstore.ReadState(st, backState) != xenstore.StateConnected {
		if time.Now().After(deadline) {
			d.teardown()
			xenstore.WriteState(st, d.key("state"), xenstore.StateClosed)
			return d.fail("connect", kerr.CodeTimeout, "backend did not connect")
		}
		t.Sleep(constants.DevicePollingInterval)
	}

	info, err := d.readInfo(backPath, back)
	if err != nil {
		d.teardown()
		return err
	}

	d.lock.Lock()
	d.info = info
	d.connected = true
	d.lock.Unlock()

	if err := xenstore.WriteState(st, d.key("state"), xenstore.StateConnected); err != nil {
		return kerr.Wrap("connect", err)
	}
	d.log.Info("block device connected", "backend", backPath, "sectors", info.Sectors,
		"sector_size", info.SectorSize, "port", port, "ring_ref", ref, "flush", info.Flush)
	return nil
}

func (d *Device) publish(ref gnttab.Ref, port evtchn.Port) error {
	st := d.cfg.Store
	for _, kv := range [][2]string{
		{"ring-ref", strconv.FormatUint(uint64(ref), 10)},
		{"event-channel", strconv.FormatUint(uint64(port), 10)},
		{"protocol", "x86_64-abi"},
	} {
		if err := st.Write(d.key(kv[0]), kv[1]); err != nil {
			return kerr.Wrap("connect", err)
		}
	}
	return xenstore.WriteState(st, d.key("state"), xenstore.StateInitialised)
}

func (d *Device) readInfo(backPath string, back constants.DomID) (Info, error) {
	st := d.cfg.Store
	info := Info{Backend: backPath, BackendID: back, SectorSize: constants.SectorSize}

	sectors, err := xenstore.ReadInt(st, backPath+"/sectors")
	if err != nil {
		return info, kerr.Wrap("connect", err)
	}
	info.Sectors = uint64(sectors)
	if ss, err := xenstore.ReadInt(st, backPath+"/sector-size"); err == nil {
		info.SectorSize = uint32(ss)
	}
	if info.SectorSize != constants.SectorSize {
		return info, d.fail("connect", kerr.CodeNotImplemented, fmt.Sprintf("sector size %d", info.SectorSize))
	}
	if flags, err := xenstore.ReadInt(st, backPath+"/info"); err == nil {
		info.Flags = uint32(flags)
	}
	if f, err := xenstore.ReadInt(st, backPath+"/feature-flush-cache"); err == nil {
		info.Flush = f != 0
	}
	if f, err := xenstore.ReadInt(st, backPath+"/feature-discard"); err == nil {
		info.Discard = f != 0
	}
	return info, nil
}

// Disconnect stops new submissions, waits for in-flight requests to
// complete, closes the handshake and releases the ring and event channel.
func (d *Device) Disconnect(t *sched.Thread) error {
	d.lock.Lock()
	if d.ring == nil {
		d.lock.Unlock()
		return nil
	}
	d.connected = false
	d.lock.Unlock()

	for d.InFlight() > 0 {
		d.idle.WaitTimeout(t, constants.DevicePollingInterval)
	}

	st := d.cfg.Store
	xenstore.WriteState(st, d.key("state"), xenstore.StateClosing)
	backState := d.Info().Backend + "/state"
	deadline := time.Now().Add(constants.ConnectTimeout)
	for xenstore.ReadState(st, backState) == xenstore.StateConnected {
		if time.Now().After(deadline) {
			d.log.Warn("backend did not acknowledge close")
			break
		}
		t.Sleep(constants.DevicePollingInterval)
	}

	d.teardown()
	xenstore.WriteState(st, d.key("state"), xenstore.StateClosed)
	d.log.Info("block device disconnected")
	return nil
}

// teardown releases the event channel, ring grant and ring page.
func (d *Device) teardown() {
	d.lock.Lock()
	page, ref, port := d.page, d.ringRef, d.port
	d.page, d.ring, d.ringRef, d.port = nil, nil, 0, 0
	d.connected = false
	d.lock.Unlock()

	if port != 0 {
		if err := d.cfg.Events.Unbind(port); err != nil {
			d.log.Warn("unbind failed", "port", port, "error", err)
		}
	}
	if ref != 0 && !d.cfg.Grants.EndAccess(ref) {
		// Still mapped by the backend: leak the page rather than reuse it.
		d.log.Warn("ring grant still in use", "ring_ref", ref)
		return
	}
	if page != nil {
		if err := d.cfg.Alloc.Free(page); err != nil {
			d.log.Warn("ring page free failed", "error", err)
		}
	}
}

// The device is its own registry service.

func (d *Device) Start(t *sched.Thread) error   { return d.Connect(t) }
func (d *Device) Suspend(t *sched.Thread) error { return d.Disconnect(t) }
func (d *Device) Resume(t *sched.Thread) error  { return d.Connect(t) }
