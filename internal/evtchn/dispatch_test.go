package evtchn_test

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/evtchn"
	"github.com/ehrlich-b/go-pvkernel/internal/hypervisor"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
)

type fixture struct {
	hv      *hypervisor.Hypervisor
	back    *hypervisor.Domain
	guest   *hypervisor.Domain
	disp    *evtchn.Dispatcher
	cpus    []*arch.CPU
	upcalls atomic.Int32
}

func newFixture(t *testing.T, vcpus int) *fixture {
	t.Helper()
	f := &fixture{hv: hypervisor.New(logging.Nop())}
	f.back = f.hv.CreateDomain("dom0", 1)
	f.guest = f.hv.CreateDomain("guest", vcpus)
	f.guest.OnUpcall(func(int) { f.upcalls.Add(1) })
	f.disp = evtchn.New(f.guest, evtchn.Config{Logger: logging.Nop()})
	for i := 0; i < vcpus; i++ {
		f.cpus = append(f.cpus, arch.NewCPU(i))
	}
	return f
}

// connect returns a guest port bound to h and the backend port that
// signals it.
func (f *fixture) connect(t *testing.T, h evtchn.Handler, data any) (evtchn.Port, evtchn.Port) {
	t.Helper()
	remote, st := f.back.AllocUnbound(f.guest.ID())
	require.Zero(t, st)
	local, err := f.disp.BindInterdomain(f.back.ID(), remote, h, 0, data)
	require.NoError(t, err)
	return local, remote
}

func TestDeliverRunsHandlerOnce(t *testing.T) {
	f := newFixture(t, 1)

	var calls atomic.Int32
	var gotData any
	var gotPort evtchn.Port
	local, remote := f.connect(t, func(p evtchn.Port, data any) {
		calls.Add(1)
		gotPort, gotData = p, data
	}, "blk0")

	require.Zero(t, f.back.Send(remote))
	assert.Equal(t, int32(1), f.upcalls.Load())
	assert.True(t, f.guest.Shared().VCPU(0).UpcallPending())

	f.disp.Deliver(f.cpus[0])
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, local, gotPort)
	assert.Equal(t, "blk0", gotData)
	assert.False(t, f.guest.Shared().IsPending(local))

	f.disp.Deliver(f.cpus[0])
	assert.Equal(t, int32(1), calls.Load(), "a delivered event must not run again")
	assert.Equal(t, uint64(1), f.disp.Delivered())
}

func TestRepeatedSendsCoalesce(t *testing.T) {
	f := newFixture(t, 1)
	var calls atomic.Int32
	_, remote := f.connect(t, func(evtchn.Port, any) { calls.Add(1) }, nil)

	for i := 0; i < 5; i++ {
		require.Zero(t, f.back.Send(remote))
	}
	assert.Equal(t, int32(1), f.upcalls.Load())
	f.disp.Deliver(f.cpus[0])
	assert.Equal(t, int32(1), calls.Load())
}

func TestEventRaisedByHandlerIsNotLost(t *testing.T) {
	f := newFixture(t, 1)
	var calls atomic.Int32
	local, _ := f.connect(t, func(p evtchn.Port, _ any) {
		if calls.Add(1) == 1 {
			f.guest.Raise(p)
		}
	}, nil)

	f.guest.Raise(local)
	f.disp.Deliver(f.cpus[0])
	assert.Equal(t, int32(2), calls.Load())
}

func TestMaskedEventDeliveredOnUnmask(t *testing.T) {
	f := newFixture(t, 1)
	var calls atomic.Int32
	local, remote := f.connect(t, func(evtchn.Port, any) { calls.Add(1) }, nil)

	f.disp.Mask(local)
	require.Zero(t, f.back.Send(remote))
	assert.Zero(t, f.upcalls.Load())
	f.disp.Deliver(f.cpus[0])
	assert.Zero(t, calls.Load())
	assert.True(t, f.guest.Shared().IsPending(local))

	f.disp.Unmask(local)
	assert.Equal(t, int32(1), f.upcalls.Load())
	f.disp.Deliver(f.cpus[0])
	assert.Equal(t, int32(1), calls.Load())
}

func TestSpuriousEventIsIgnored(t *testing.T) {
	f := newFixture(t, 1)
	sh := f.guest.Shared()
	const stray evtchn.Port = 77

	sh.Unmask(stray, 0)
	require.True(t, sh.SetPending(stray, 0))
	f.disp.Deliver(f.cpus[0])

	assert.Equal(t, uint64(1), f.disp.Spurious())
	assert.Zero(t, f.disp.Delivered())
	assert.False(t, sh.IsPending(stray))
}

func TestRebindToCPU(t *testing.T) {
	f := newFixture(t, 2)
	var calls atomic.Int32
	local, remote := f.connect(t, func(evtchn.Port, any) { calls.Add(1) }, nil)
	require.NoError(t, f.disp.RebindToCPU(local, 1))

	require.Zero(t, f.back.Send(remote))
	f.disp.Deliver(f.cpus[0])
	assert.Zero(t, calls.Load(), "cpu 0 must not run a handler bound to cpu 1")
	f.disp.Deliver(f.cpus[1])
	assert.Equal(t, int32(1), calls.Load())

	assert.ErrorIs(t, f.disp.RebindToCPU(local, 5), kerr.ErrInvalidParameters)
	assert.ErrorIs(t, f.disp.RebindToCPU(999, 0), kerr.ErrInvalidParameters)
}

func TestRebindWhileDelivering(t *testing.T) {
	f := newFixture(t, 2)
	var calls atomic.Int32
	local, remote := f.connect(t, func(evtchn.Port, any) { calls.Add(1) }, nil)

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			assert.NoError(t, f.disp.RebindToCPU(local, i%2))
		}
	}()
	for _, c := range f.cpus {
		wg.Add(1)
		go func(c *arch.CPU) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				f.disp.Deliver(c)
			}
		}(c)
	}
	for i := 0; i < rounds; i++ {
		require.Zero(t, f.back.Send(remote))
	}
	wg.Wait()

	// An event flagged for the CPU the port just left stays pending; an
	// unmask re-flags it for the current binding.
	f.disp.Mask(local)
	f.disp.Unmask(local)
	for _, c := range f.cpus {
		f.disp.Deliver(c)
	}
	assert.False(t, f.guest.Shared().IsPending(local))
	assert.Positive(t, calls.Load())
	assert.Equal(t, uint64(calls.Load()), f.disp.Delivered())
}

func TestBindVIRQ(t *testing.T) {
	f := newFixture(t, 1)
	var ticks atomic.Int32
	port, err := f.disp.BindVIRQ(evtchn.VIRQTimer, 0, func(evtchn.Port, any) { ticks.Add(1) }, nil)
	require.NoError(t, err)
	assert.True(t, f.disp.Bound(port))

	require.True(t, f.guest.RaiseVIRQ(evtchn.VIRQTimer, 0))
	f.disp.Deliver(f.cpus[0])
	assert.Equal(t, int32(1), ticks.Load())

	_, err = f.disp.BindVIRQ(evtchn.VIRQTimer, 0, func(evtchn.Port, any) {}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerr.ErrBindingFailed)
	assert.True(t, kerr.IsErrno(err, syscall.EEXIST))

	_, err = f.disp.BindVIRQ(evtchn.VIRQDebug, 3, func(evtchn.Port, any) {}, nil)
	assert.ErrorIs(t, err, kerr.ErrInvalidParameters)
}

func TestBindInterdomainRejectsForeignPort(t *testing.T) {
	f := newFixture(t, 1)
	other := f.hv.CreateDomain("other", 1)
	remote, st := f.back.AllocUnbound(other.ID())
	require.Zero(t, st)

	_, err := f.disp.BindInterdomain(f.back.ID(), remote, func(evtchn.Port, any) {}, 0, nil)
	assert.ErrorIs(t, err, kerr.ErrBindingFailed)
	assert.True(t, kerr.IsErrno(err, syscall.EINVAL))
}

func TestUnbind(t *testing.T) {
	f := newFixture(t, 1)
	var calls atomic.Int32
	local, remote := f.connect(t, func(evtchn.Port, any) { calls.Add(1) }, nil)

	require.NoError(t, f.disp.Unbind(local))
	assert.False(t, f.disp.Bound(local))
	assert.ErrorIs(t, f.disp.Unbind(local), kerr.ErrInvalidParameters)

	// The backend's port is unbound again; sends are dropped.
	assert.Zero(t, f.back.Send(remote))
	f.disp.Deliver(f.cpus[0])
	assert.Zero(t, calls.Load())
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t, 1)
	var ticks atomic.Int32
	_, err := f.disp.BindVIRQ(evtchn.VIRQTimer, 0, func(evtchn.Port, any) { ticks.Add(1) }, nil)
	require.NoError(t, err)
	f.connect(t, func(evtchn.Port, any) {}, nil)
	require.Len(t, f.disp.Ports(), 2)

	require.NoError(t, f.disp.Suspend())
	assert.Empty(t, f.disp.Ports())
	assert.Zero(t, f.guest.PortCount())
	assert.False(t, f.guest.RaiseVIRQ(evtchn.VIRQTimer, 0))

	require.NoError(t, f.disp.Resume())
	assert.Len(t, f.disp.Ports(), 1)
	require.True(t, f.guest.RaiseVIRQ(evtchn.VIRQTimer, 0))
	f.disp.Deliver(f.cpus[0])
	assert.Equal(t, int32(1), ticks.Load())
}

func TestDoubleBindIsFatal(t *testing.T) {
	f := newFixture(t, 1)
	local, _ := f.connect(t, func(evtchn.Port, any) {}, nil)

	// Forge a second binding by freeing the port behind the dispatcher's back.
	require.Zero(t, f.guest.Close(local))
	fe := arch.Catch(func() {
		f.disp.BindVIRQ(evtchn.VIRQDebug, 0, func(evtchn.Port, any) {}, nil)
	})
	require.NotNil(t, fe)
	assert.Contains(t, fe.Reason, "bound twice")
}

func TestVIRQString(t *testing.T) {
	assert.Equal(t, "timer", evtchn.VIRQTimer.String())
	assert.Equal(t, "virq17", evtchn.VIRQ(17).String())
}
