package blkfront

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-pvkernel/backend"
	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/blkback"
	"github.com/ehrlich-b/go-pvkernel/internal/blkif"
	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/hypervisor"
	"github.com/ehrlich-b/go-pvkernel/internal/interfaces"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/mm"
	"github.com/ehrlich-b/go-pvkernel/internal/ring"
	"github.com/ehrlich-b/go-pvkernel/internal/sched"
	"github.com/ehrlich-b/go-pvkernel/internal/xenstore"
)

const (
	testTimeout = 5 * time.Second
	diskSize    = 1 << 20
)

type rigOptions struct {
	readOnly bool
	noFlush  bool
	disk     interfaces.Backend
	observer interfaces.Observer
}

type rig struct {
	hv     *hypervisor.Hypervisor
	guest  *hypervisor.Domain
	store  *xenstore.MemStore
	events *evtchn.Dispatcher
	k      *sched.Kernel
	disk   interfaces.Backend
	back   *blkback.Device
	dev    *Device

	kernErr chan error
}

func newRig(t *testing.T, opts rigOptions) *rig {
	t.Helper()
	log := logging.Nop()
	r := &rig{
		hv:      hypervisor.New(log),
		store:   xenstore.NewMemStore(),
		kernErr: make(chan error, 1),
		disk:    opts.disk,
	}
	if r.disk == nil {
		r.disk = backend.NewMemory(diskSize)
	}
	dom0 := r.hv.CreateDomain("dom0", 1)
	r.guest = r.hv.CreateDomain("guest", 1)
	loop := hypervisor.NewEventLoop(dom0, evtchn.Config{Logger: log})

	var err error
	r.back, err = blkback.New(blkback.Config{
		Loop:     loop,
		Store:    r.store,
		Guest:    r.guest.ID(),
		Backend:  r.disk,
		ReadOnly: opts.readOnly,
		NoFlush:  opts.noFlush,
		Logger:   log,
	})
	require.NoError(t, err)
	front := xenstore.FrontendPath(r.guest.ID(), "vbd", 0)
	require.NoError(t, xenstore.Link(r.store, front, r.guest.ID(), r.back.Path(), dom0.ID()))

	r.k = sched.NewKernel(sched.Config{NumCPUs: 1, Logger: log})
	r.events = evtchn.New(r.guest, evtchn.Config{Logger: log})
	r.guest.OnUpcall(r.k.Kick)
	r.k.SetInterruptSource(r.events)

	r.dev, err = New(Config{
		Events:   r.events,
		Grants:   r.guest.Grants(),
		Store:    r.store,
		DomID:    r.guest.ID(),
		Logger:   log,
		Observer: opts.observer,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)
	go r.back.Run(ctx)
	go func() { r.kernErr <- r.k.Run(ctx) }()
	return r
}

// run executes fn on a kernel thread and fails the test on error.
func (r *rig) run(t *testing.T, fn func(th *sched.Thread) error) {
	t.Helper()
	done := make(chan error, 1)
	r.k.Spawn(t.Name(), func(th *sched.Thread) { done <- fn(th) })
	select {
	case err := <-done:
		require.NoError(t, err)
	case err := <-r.kernErr:
		t.Fatalf("kernel halted: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("thread did not finish")
	}
}

func (r *rig) connect(t *testing.T) {
	t.Helper()
	r.run(t, r.dev.Connect)
	require.True(t, r.dev.Connected())
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i*7)
	}
	return buf
}

func TestConnectReadsBackendInfo(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.connect(t)

	info := r.dev.Info()
	assert.Equal(t, uint64(diskSize/constants.SectorSize), info.Sectors)
	assert.Equal(t, uint32(constants.SectorSize), info.SectorSize)
	assert.True(t, info.Flush)
	assert.False(t, info.ReadOnly())
	assert.Equal(t, int64(diskSize), info.Size())
	assert.NotZero(t, r.dev.Port())

	front := xenstore.FrontendPath(r.guest.ID(), "vbd", 0)
	assert.Equal(t, xenstore.StateConnected, xenstore.ReadState(r.store, front+"/state"))
	proto, err := r.store.Read(front + "/protocol")
	require.NoError(t, err)
	assert.Equal(t, "x86_64-abi", proto)

	r.run(t, func(th *sched.Thread) error {
		if err := r.dev.Connect(th); !kerr.IsCode(err, kerr.CodeBusy) {
			return errors.New("second connect was not refused")
		}
		return nil
	})
}

func TestReadWriteRoundTrip(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.connect(t)

	for _, sectors := range []int{1, 8, 88, 200} {
		data := pattern(sectors*constants.SectorSize, byte(sectors))
		sector := uint64(16 + sectors)
		got := make([]byte, len(data))

		r.run(t, func(th *sched.Thread) error {
			if err := r.dev.Write(th, sector, data); err != nil {
				return err
			}
			return r.dev.Read(th, sector, got)
		})
		assert.True(t, bytes.Equal(data, got), "%d sectors read back differently", sectors)

		onDisk := make([]byte, len(data))
		_, err := r.disk.ReadAt(onDisk, int64(sector)*constants.SectorSize)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, onDisk), "%d sectors not on disk", sectors)
	}

	submitted, completed, failed := r.dev.Stats()
	assert.Equal(t, submitted, completed)
	assert.Zero(t, failed)
	assert.Zero(t, r.dev.InFlight())
}

func TestReadRejectsPartialSector(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.connect(t)
	r.run(t, func(th *sched.Thread) error {
		if err := r.dev.Read(th, 0, make([]byte, 100)); !kerr.IsCode(err, kerr.CodeInvalidParameters) {
			return errors.New("partial sector read accepted")
		}
		return nil
	})
}

// submitAsync queues a one-page read whose callback reports on done.
func submitAsync(r *rig, sector uint64, done chan<- *Request) (*Request, error) {
	req := &Request{
		Op:       blkif.OpRead,
		Sector:   sector,
		Pages:    [][]byte{mm.GetPage()},
		LastSect: constants.SectorsPerPage - 1,
		Callback: func(req *Request, _ error) { done <- req },
	}
	return req, r.dev.SubmitIO(nil, req)
}

func TestRingFullBackpressure(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.connect(t)
	r.back.Pause()

	done := make(chan *Request, 64)
	for i := 0; i < int(blkif.RingSize); i++ {
		_, err := submitAsync(r, uint64(i*8), done)
		require.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, int(blkif.RingSize), r.dev.InFlight())

	_, err := submitAsync(r, 0, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerr.ErrRingFull))

	r.back.Unpause()
	for i := 0; i < int(blkif.RingSize); i++ {
		select {
		case req := <-done:
			assert.Equal(t, StateDoneSuccess, req.State())
			assert.NoError(t, req.Err())
		case <-time.After(testTimeout):
			t.Fatalf("only %d of %d requests completed", i, blkif.RingSize)
		}
	}
	require.Eventually(t, func() bool { return r.dev.InFlight() == 0 }, testTimeout, time.Millisecond)

	_, err = submitAsync(r, 0, done)
	assert.NoError(t, err, "a slot must be free again")
}

func TestOneEventCompletesBatch(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.connect(t)
	r.back.Pause()

	const n = 4
	done := make(chan *Request, n)
	for i := 0; i < n; i++ {
		_, err := submitAsync(r, uint64(i), done)
		require.NoError(t, err)
	}

	r.dev.lock.Lock()
	before := r.dev.ring.RspCons()
	r.dev.lock.Unlock()
	delivered := r.events.Delivered()

	r.back.Unpause()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Fatal("batch did not complete")
		}
	}

	r.dev.lock.Lock()
	after := r.dev.ring.RspCons()
	r.dev.lock.Unlock()
	assert.Equal(t, uint32(n), after-before)
	assert.Equal(t, uint64(1), r.events.Delivered()-delivered)
}

func TestUnknownResponseIsFatal(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.connect(t)
	r.back.Pause()

	// Answer a request that was never submitted.
	r.dev.lock.Lock()
	shared, port := r.dev.ring.Shared(), r.dev.port
	r.dev.lock.Unlock()
	back := ring.NewBack(shared)
	require.NoError(t, blkif.PutResponse(back.NextResponse(), &blkif.Response{ID: 7, Op: blkif.OpRead}))
	back.PushResponses()
	r.guest.Raise(port)

	select {
	case err := <-r.kernErr:
		var fe *arch.FatalError
		require.ErrorAs(t, err, &fe)
		assert.Contains(t, fe.Error(), "unknown request")
	case <-time.After(testTimeout):
		t.Fatal("kernel did not halt")
	}
}

func TestSuspendResume(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.connect(t)

	data := pattern(4*constants.PageSize, 3)
	r.run(t, func(th *sched.Thread) error { return r.dev.Write(th, 100, data) })

	oldPort := r.dev.Port()
	r.run(t, r.dev.Suspend)
	assert.False(t, r.dev.Connected())
	assert.Zero(t, r.dev.Port())
	assert.Zero(t, r.guest.Grants().Active(), "every grant must be revoked")
	assert.False(t, r.events.Bound(oldPort))

	err := r.dev.SubmitIO(nil, &Request{Op: blkif.OpFlush})
	assert.True(t, kerr.IsCode(err, kerr.CodeNotConnected))

	r.run(t, r.dev.Resume)
	assert.True(t, r.dev.Connected())
	require.Eventually(t, r.back.Connected, testTimeout, time.Millisecond)

	got := make([]byte, len(data))
	r.run(t, func(th *sched.Thread) error { return r.dev.Read(th, 100, got) })
	assert.True(t, bytes.Equal(data, got))
}

func TestSubmitValidation(t *testing.T) {
	r := newRig(t, rigOptions{})

	err := r.dev.SubmitIO(nil, &Request{Op: blkif.OpRead, Pages: [][]byte{mm.GetPage()}})
	assert.True(t, kerr.IsCode(err, kerr.CodeNotConnected), "before connect: %v", err)

	r.connect(t)
	page := func() []byte { return mm.GetPage() }
	pages := func(n int) [][]byte { return mm.GetPages(n) }
	lastSector := uint64(diskSize/constants.SectorSize) - 1

	tests := []struct {
		name string
		req  *Request
		code kerr.Code
	}{
		{"no pages", &Request{Op: blkif.OpRead}, kerr.CodeInvalidParameters},
		{"too many pages", &Request{Op: blkif.OpRead, Pages: pages(blkif.MaxSegments + 1)}, kerr.CodeInvalidParameters},
		{"short page", &Request{Op: blkif.OpRead, Pages: [][]byte{make([]byte, 512)}}, kerr.CodeInvalidParameters},
		{"misaligned page", &Request{Op: blkif.OpRead, Pages: [][]byte{mm.AlignedSlice(2*constants.PageSize, constants.PageSize)[1 : 1+constants.PageSize]}}, kerr.CodeInvalidParameters},
		{"empty window", &Request{Op: blkif.OpRead, Pages: [][]byte{page()}, FirstSect: 5, LastSect: 2}, kerr.CodeInvalidParameters},
		{"offset outside page", &Request{Op: blkif.OpRead, Pages: [][]byte{page()}, LastSect: 8}, kerr.CodeInvalidParameters},
		{"past end", &Request{Op: blkif.OpRead, Sector: lastSector, Pages: [][]byte{page()}, LastSect: 1}, kerr.CodeInvalidParameters},
		{"flush with data", &Request{Op: blkif.OpFlush, Pages: [][]byte{page()}}, kerr.CodeInvalidParameters},
		{"unknown op", &Request{Op: blkif.Op(9), Pages: [][]byte{page()}}, kerr.CodeInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.dev.SubmitIO(nil, tt.req)
			assert.True(t, kerr.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, StateEmpty, tt.req.State())
		})
	}
	assert.Zero(t, r.dev.InFlight())
	assert.Equal(t, 1, r.guest.Grants().Active(), "only the ring grant stays live")
}

func TestReadOnlyDisk(t *testing.T) {
	r := newRig(t, rigOptions{readOnly: true})
	r.connect(t)
	assert.True(t, r.dev.Info().ReadOnly())

	r.run(t, func(th *sched.Thread) error {
		err := r.dev.Write(th, 0, make([]byte, constants.SectorSize))
		if !kerr.IsCode(err, kerr.CodePermissionDenied) {
			return errors.New("write to read-only disk was not refused")
		}
		return r.dev.Read(th, 0, make([]byte, constants.SectorSize))
	})
}

func TestFlush(t *testing.T) {
	mem := backend.NewMemory(diskSize)
	r := newRig(t, rigOptions{disk: mem})
	r.connect(t)
	r.run(t, r.dev.Flush)
	assert.Equal(t, uint64(1), mem.Stats()["flushes"])
}

func TestFlushUnsupported(t *testing.T) {
	r := newRig(t, rigOptions{noFlush: true})
	r.connect(t)
	r.run(t, func(th *sched.Thread) error {
		if err := r.dev.Flush(th); !kerr.IsCode(err, kerr.CodeNotImplemented) {
			return errors.New("flush accepted without backend support")
		}
		return nil
	})
}

// failingDisk fails every read.
type failingDisk struct {
	*backend.Memory
	reads atomic.Int32
}

func (f *failingDisk) ReadAt([]byte, int64) (int, error) {
	f.reads.Add(1)
	return 0, errors.New("medium error")
}

func TestBackendErrorCompletesWithIOError(t *testing.T) {
	disk := &failingDisk{Memory: backend.NewMemory(diskSize)}
	r := newRig(t, rigOptions{disk: disk})
	r.connect(t)

	r.run(t, func(th *sched.Thread) error {
		if err := r.dev.Read(th, 8, make([]byte, constants.PageSize)); !kerr.IsCode(err, kerr.CodeIOError) {
			return errors.New("backend failure did not surface as an I/O error")
		}
		return r.dev.Write(th, 8, make([]byte, constants.PageSize))
	})
	assert.Equal(t, int32(1), disk.reads.Load())
	_, _, failed := r.dev.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestRequestSectors(t *testing.T) {
	tests := []struct {
		pages       int
		first, last uint8
		want        int
	}{
		{0, 0, 0, 0},
		{1, 0, 0, 1},
		{1, 0, 7, 8},
		{1, 3, 5, 3},
		{2, 7, 0, 2},
		{11, 0, 7, 88},
	}
	for _, tt := range tests {
		req := &Request{Pages: make([][]byte, tt.pages), FirstSect: tt.first, LastSect: tt.last}
		assert.Equal(t, tt.want, req.Sectors(), "%+v", tt)
	}
}

func TestDiscard(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.connect(t)
	require.True(t, r.dev.Info().Discard)

	data := pattern(constants.PageSize, 9)
	got := make([]byte, constants.PageSize)
	r.run(t, func(th *sched.Thread) error {
		if err := r.dev.Write(th, 16, data); err != nil {
			return err
		}
		if err := r.dev.Discard(th, 16, 4); err != nil {
			return err
		}
		return r.dev.Read(th, 16, got)
	})
	assert.Equal(t, make([]byte, 4*constants.SectorSize), got[:4*constants.SectorSize])
	assert.Equal(t, data[4*constants.SectorSize:], got[4*constants.SectorSize:])

	r.run(t, func(th *sched.Thread) error {
		if err := r.dev.Discard(th, diskSize/constants.SectorSize, 1); !kerr.IsCode(err, kerr.CodeInvalidParameters) {
			return errors.New("discard past the end was accepted")
		}
		return nil
	})
}

// discardCounter counts completed discards and ignores everything else.
type discardCounter struct {
	ops, bytes, failed atomic.Uint64
}

func (*discardCounter) ObserveRead(uint64, uint64, bool)  {}
func (*discardCounter) ObserveWrite(uint64, uint64, bool) {}
func (*discardCounter) ObserveFlush(uint64, bool)         {}
func (*discardCounter) ObserveQueueDepth(uint32)          {}
func (*discardCounter) ObserveRingFull()                  {}
func (*discardCounter) ObserveEvent(uint32, bool)         {}

func (c *discardCounter) ObserveDiscard(bytes uint64, _ uint64, success bool) {
	c.ops.Add(1)
	if success {
		c.bytes.Add(bytes)
	} else {
		c.failed.Add(1)
	}
}

func TestDiscardIsObserved(t *testing.T) {
	obs := &discardCounter{}
	r := newRig(t, rigOptions{observer: obs})
	r.connect(t)

	r.run(t, func(th *sched.Thread) error {
		return r.dev.Discard(th, 8, 4)
	})
	assert.Equal(t, uint64(1), obs.ops.Load())
	assert.Equal(t, uint64(4*constants.SectorSize), obs.bytes.Load())
	assert.Zero(t, obs.failed.Load())
}

func TestDiscardNotOfferedOnReadOnlyDisk(t *testing.T) {
	r := newRig(t, rigOptions{readOnly: true})
	r.connect(t)
	assert.False(t, r.dev.Info().Discard)
	r.run(t, func(th *sched.Thread) error {
		if err := r.dev.Discard(th, 0, 1); !kerr.IsCode(err, kerr.CodeNotImplemented) {
			return errors.New("discard sent to a read-only disk")
		}
		return nil
	})
}
