package pvkernel

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/sched"
)

const (
	testTimeout  = 5 * time.Second
	testDiskSize = 4 << 20
)

type rig struct {
	host    *Host
	dom     *Domain
	disk    *Disk
	mock    *MockBackend
	kernErr chan error
}

func newRig(t *testing.T, params Params) *rig {
	t.Helper()
	opts := &Options{Logger: logging.Nop()}
	host := NewHost(opts)
	dom, err := Boot(host, params, opts)
	require.NoError(t, err)

	r := &rig{host: host, dom: dom, mock: NewMockBackend(testDiskSize), kernErr: make(chan error, 1)}
	r.disk, err = dom.AttachBlock(DiskConfig{DevID: 0, Backend: r.mock})
	require.NoError(t, err)
	_, err = dom.AttachConsole(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go host.Run(ctx)
	go func() { r.kernErr <- dom.Run(ctx) }()
	return r
}

func (r *rig) run(t *testing.T, fn func(th *Thread) error) {
	t.Helper()
	done := make(chan error, 1)
	r.dom.Spawn(t.Name(), func(th *Thread) { done <- fn(th) })
	select {
	case err := <-done:
		require.NoError(t, err)
	case err := <-r.kernErr:
		t.Fatalf("kernel halted: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("thread did not finish")
	}
}

func TestBootValidation(t *testing.T) {
	_, err := Boot(nil, DefaultParams(), nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	host := NewHost(&Options{Logger: logging.Nop()})
	_, err = Boot(host, Params{NumCPUs: -1}, &Options{Logger: logging.Nop()})
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	dom, err := Boot(host, Params{Cmdline: "console=hvc0 trace=sched,evtchn"}, &Options{Logger: logging.Nop()})
	require.NoError(t, err)
	assert.Equal(t, "guest", dom.Name())
	assert.True(t, dom.Trace().Sched())
	assert.True(t, dom.Trace().Evtchn())
	assert.False(t, dom.Trace().Blkfront())
	assert.NotEqual(t, DomID(0), dom.ID())
}

func TestDiskAndConsoleThroughDomain(t *testing.T) {
	r := newRig(t, Params{Name: "io", NumCPUs: 2})
	data := bytes.Repeat([]byte("pvkernel"), PageSize/8*3)
	got := make([]byte, len(data))

	r.run(t, func(th *Thread) error {
		if err := r.dom.Start(th); err != nil {
			return err
		}
		if err := r.disk.Write(th, 64, data); err != nil {
			return err
		}
		if err := r.disk.Read(th, 64, got); err != nil {
			return err
		}
		return r.dom.Console().WriteAll(th, []byte("boot ok\n"))
	})
	assert.Equal(t, data, got)
	assert.Equal(t, map[string]string{"vbd/0": "running", "console": "running"}, r.dom.Services())

	require.Eventually(t, func() bool {
		return bytes.Equal(r.dom.ConsoleBackend().Output(), []byte("boot ok\n"))
	}, testTimeout, time.Millisecond)

	snap := r.dom.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(len(data)), snap.ReadBytes)
	assert.NotZero(t, snap.Events)
	// One request of three segments, each written separately by the backend.
	assert.Equal(t, 3, r.mock.CallCounts()["write"])
}

func TestSuspendResumeCycle(t *testing.T) {
	r := newRig(t, DefaultParams())
	data := bytes.Repeat([]byte{0xa5}, SectorSize*4)
	got := make([]byte, len(data))

	r.run(t, func(th *Thread) error {
		if err := r.dom.Start(th); err != nil {
			return err
		}
		if err := r.disk.Write(th, 0, data); err != nil {
			return err
		}
		return r.dom.Suspend(th)
	})
	assert.False(t, r.disk.Connected())
	assert.False(t, r.dom.Console().Connected())
	assert.Equal(t, "suspended", r.dom.Services()["vbd/0"])

	r.run(t, func(th *Thread) error {
		if err := r.dom.Resume(th); err != nil {
			return err
		}
		return r.disk.Read(th, 0, got)
	})
	assert.True(t, r.disk.Connected())
	assert.Equal(t, data, got)
	assert.True(t, r.dom.DebugKey(), "debug interrupt must be rebound after resume")
	require.Eventually(t, func() bool { return r.dom.DebugDumps() == 1 }, testTimeout, time.Millisecond)
}

func TestBackendFailureSurfacesAsIOError(t *testing.T) {
	r := newRig(t, DefaultParams())
	r.mock.FailReads(errors.New("medium error"))

	r.run(t, func(th *Thread) error {
		if err := r.dom.Start(th); err != nil {
			return err
		}
		if err := r.disk.Read(th, 0, make([]byte, SectorSize)); !errors.Is(err, ErrIO) {
			return errors.New("read did not fail with an I/O error")
		}
		r.mock.FailReads(nil)
		return r.disk.Read(th, 0, make([]byte, SectorSize))
	})
	snap := r.dom.MetricsSnapshot()
	assert.Equal(t, uint64(2), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.ReadErrors)
}

func TestAttachTwiceIsBusy(t *testing.T) {
	opts := &Options{Logger: logging.Nop()}
	host := NewHost(opts)
	dom, err := Boot(host, DefaultParams(), opts)
	require.NoError(t, err)

	_, err = dom.AttachBlock(DiskConfig{DevID: 3, Backend: NewMockBackend(testDiskSize)})
	require.NoError(t, err)
	_, err = dom.AttachBlock(DiskConfig{DevID: 3, Backend: NewMockBackend(testDiskSize)})
	assert.True(t, IsCode(err, ErrCodeBusy))

	_, err = dom.AttachBlock(DiskConfig{DevID: 4})
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	_, err = dom.AttachConsole(nil)
	require.NoError(t, err)
	_, err = dom.AttachConsole(nil)
	assert.True(t, IsCode(err, ErrCodeBusy))
}

func TestRegisterUpcallsTwiceHaltsDomain(t *testing.T) {
	opts := &Options{Logger: logging.Nop()}
	host := NewHost(opts)
	dom, err := Boot(host, DefaultParams(), opts)
	require.NoError(t, err)

	require.NoError(t, dom.RegisterUpcalls(sched.NewRoundRobin(1)))
	err = dom.RegisterUpcalls(sched.NewRoundRobin(1))
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err = dom.Run(ctx)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "already registered")
}

func TestShutdownStopsRun(t *testing.T) {
	r := newRig(t, DefaultParams())
	started := make(chan error, 1)
	r.dom.Spawn("init", func(th *Thread) {
		started <- r.dom.Start(th)
		r.dom.Shutdown(th)
	})
	require.NoError(t, <-started)
	select {
	case err := <-r.kernErr:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("domain did not stop")
	}
	assert.False(t, r.disk.Connected())
	assert.NotZero(t, r.dom.MetricsSnapshot().UptimeNs)
}
