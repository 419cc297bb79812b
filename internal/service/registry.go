// Package service orders subsystem start, suspend and resume so that rings
// are quiesced before event channels are torn down, and rebuilt in the same
// order afterwards.
package service

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/logging"
	"github.com/ehrlich-b/go-pvkernel/internal/sched"
	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
)

// Service is a subsystem with a save/restore lifecycle. Each method may
// block the calling thread.
type Service interface {
	Name() string
	Start(t *sched.Thread) error
	Suspend(t *sched.Thread) error
	Resume(t *sched.Thread) error
}

// State is the lifecycle position of one registered service.
type State int

const (
	StateRegistered State = iota
	StateRunning
	StateSuspended
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type entry struct {
	svc   Service
	state State
}

// Registry holds services in registration order.
type Registry struct {
	// lock guards the list only; services are called without it because
	// they block.
	lock    spinlock.Spinlock
	entries []*entry

	log *logging.Logger
}

// New creates an empty registry.
func New(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	r := &Registry{log: log.WithComponent("service")}
	r.lock.Init("service")
	return r
}

// Register appends svc. Names must be unique.
func (r *Registry) Register(svc Service) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, e := range r.entries {
		if e.svc.Name() == svc.Name() {
			return kerr.New("register", kerr.CodeBusy, fmt.Sprintf("service %s already registered", svc.Name()))
		}
	}
	r.entries = append(r.entries, &entry{svc: svc})
	return nil
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, e := range r.entries {
		if e.svc.Name() == name {
			return e.svc, true
		}
	}
	return nil, false
}

// States returns the state of every registered service by name.
func (r *Registry) States() map[string]State {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make(map[string]State, len(r.entries))
	for _, e := range r.entries {
		out[e.svc.Name()] = e.state
	}
	return out
}

func (r *Registry) snapshot(want State) []*entry {
	r.lock.Lock()
	defer r.lock.Unlock()
	var list []*entry
	for _, e := range r.entries {
		if e.state == want {
			list = append(list, e)
		}
	}
	return list
}

func (r *Registry) set(e *entry, s State) {
	r.lock.Lock()
	e.state = s
	r.lock.Unlock()
}

// Start starts every service not yet started, in registration order, and
// stops at the first failure.
func (r *Registry) Start(t *sched.Thread) error {
	for _, e := range r.snapshot(StateRegistered) {
		if err := e.svc.Start(t); err != nil {
			r.set(e, StateFailed)
			r.log.Error("service start failed", "service", e.svc.Name(), "error", err)
			return fmt.Errorf("start %s: %w", e.svc.Name(), err)
		}
		r.set(e, StateRunning)
		r.log.Debug("service started", "service", e.svc.Name())
	}
	return nil
}

// Suspend suspends running services in reverse registration order. If one
// fails, the services already suspended are resumed and the error returned.
func (r *Registry) Suspend(t *sched.Thread) error {
	running := r.snapshot(StateRunning)
	for i := len(running) - 1; i >= 0; i-- {
		e := running[i]
		if err := e.svc.Suspend(t); err != nil {
			r.log.Error("service suspend failed, rolling back", "service", e.svc.Name(), "error", err)
			errs := []error{fmt.Errorf("suspend %s: %w", e.svc.Name(), err)}
			for _, done := range running[i+1:] {
				if rerr := done.svc.Resume(t); rerr != nil {
					r.set(done, StateFailed)
					errs = append(errs, fmt.Errorf("resume %s: %w", done.svc.Name(), rerr))
					continue
				}
				r.set(done, StateRunning)
			}
			return errors.Join(errs...)
		}
		r.set(e, StateSuspended)
		r.log.Debug("service suspended", "service", e.svc.Name())
	}
	return nil
}

// Resume resumes suspended services in registration order. Every service is
// tried; the failures are joined.
func (r *Registry) Resume(t *sched.Thread) error {
	var errs []error
	for _, e := range r.snapshot(StateSuspended) {
		if err := e.svc.Resume(t); err != nil {
			r.set(e, StateFailed)
			r.log.Error("service resume failed", "service", e.svc.Name(), "error", err)
			errs = append(errs, fmt.Errorf("resume %s: %w", e.svc.Name(), err))
			continue
		}
		r.set(e, StateRunning)
		r.log.Debug("service resumed", "service", e.svc.Name())
	}
	return errors.Join(errs...)
}
