// Package xenstore is the device discovery boundary: a hierarchical
// key/value store read and written by path. Frontends and backends meet
// here to exchange ring references, event channel ports and state.
package xenstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

// Store reads and writes path strings.
type Store interface {
	Read(path string) (string, error)
	Write(path, value string) error
	Remove(path string) error
}

// State is a xenbus device state.
type State int

const (
	StateUnknown      State = 0
	StateInitialising State = 1
	StateInitWait     State = 2
	StateInitialised  State = 3
	StateConnected    State = 4
	StateClosing      State = 5
	StateClosed       State = 6
)

func (s State) String() string {
	switch s {
	case StateInitialising:
		return "initialising"
	case StateInitWait:
		return "init-wait"
	case StateInitialised:
		return "initialised"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrontendPath is the directory of a guest's virtual device.
func FrontendPath(guest constants.DomID, class string, devid int) string {
	return fmt.Sprintf("/local/domain/%d/device/%s/%d", guest, class, devid)
}

// BackendPath is the directory the backend domain keeps for a guest device.
func BackendPath(back, guest constants.DomID, class string, devid int) string {
	return fmt.Sprintf("/local/domain/%d/backend/%s/%d/%d", back, class, guest, devid)
}

// ReadInt reads a decimal value.
func ReadInt(s Store, path string) (int64, error) {
	v, err := s.Read(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, kerr.New("read", kerr.CodeInvalidParameters, fmt.Sprintf("%s: not a number: %q", path, v))
	}
	return n, nil
}

// WriteInt writes a decimal value.
func WriteInt(s Store, path string, v int64) error {
	return s.Write(path, strconv.FormatInt(v, 10))
}

// ReadState reads a device state key. A missing key reads as unknown.
func ReadState(s Store, path string) State {
	n, err := ReadInt(s, path)
	if err != nil {
		return StateUnknown
	}
	return State(n)
}

// WriteState writes a device state key.
func WriteState(s Store, path string, st State) error {
	return WriteInt(s, path, int64(st))
}

// Link records a frontend/backend pair: each side learns the other's
// directory and domain.
func Link(s Store, front string, frontID constants.DomID, back string, backID constants.DomID) error {
	for _, kv := range [][2]string{
		{front + "/backend", back},
		{front + "/backend-id", strconv.Itoa(int(backID))},
		{back + "/frontend", front},
		{back + "/frontend-id", strconv.Itoa(int(frontID))},
	} {
		if err := s.Write(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return WriteState(s, front+"/state", StateInitialising)
}

// ReadBackend returns the backend directory and domain of a frontend.
func ReadBackend(s Store, front string) (string, constants.DomID, error) {
	path, err := s.Read(front + "/backend")
	if err != nil {
		return "", 0, err
	}
	id, err := ReadInt(s, front+"/backend-id")
	if err != nil {
		return "", 0, err
	}
	return path, constants.DomID(id), nil
}

// MemStore is an in-memory Store shared by the simulated domains.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string)}
}

func clean(path string) string {
	return "/" + strings.Trim(path, "/")
}

func (m *MemStore) Read(path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[clean(path)]
	if !ok {
		return "", kerr.New("read", kerr.CodeDeviceNotFound, path)
	}
	return v, nil
}

func (m *MemStore) Write(path, value string) error {
	if strings.Trim(path, "/") == "" {
		return kerr.New("write", kerr.CodeInvalidParameters, "empty path")
	}
	m.mu.Lock()
	m.data[clean(path)] = value
	m.mu.Unlock()
	return nil
}

// Remove deletes path and everything below it.
func (m *MemStore) Remove(path string) error {
	p := clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(m.data, k)
		}
	}
	return nil
}

// List returns the immediate children of dir, sorted.
func (m *MemStore) List(dir string) []string {
	prefix := clean(dir) + "/"
	seen := make(map[string]struct{})
	m.mu.RLock()
	for k := range m.data {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			name, _, _ := strings.Cut(rest, "/")
			seen[name] = struct{}{}
		}
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
