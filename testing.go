package pvkernel

import "sync"

// MockBackend is an in-memory disk for tests that records calls and can be
// told to fail reads, writes or flushes.
type MockBackend struct {
	mu     sync.RWMutex
	data   []byte
	size   int64
	closed bool

	flushed bool
	stats   map[string]interface{}

	readErr  error
	writeErr error
	flushErr error

	readCalls  int
	writeCalls int
	flushCalls int
}

// NewMockBackend creates a new mock backend with the specified size.
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data:  make([]byte, size),
		size:  size,
		stats: make(map[string]interface{}),
	}
}

// ReadAt implements the Backend interface
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.closed {
		return 0, ErrDeviceOffline
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements the Backend interface
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.closed {
		return 0, ErrDeviceOffline
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if off >= m.size {
		return 0, ErrInvalidParameters
	}

	available := m.size - off
	if int64(len(p)) > available {
		n := copy(m.data[off:], p[:available])
		return n, ErrInvalidParameters
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size implements the Backend interface
func (m *MockBackend) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Flush implements the Backend interface
func (m *MockBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	if m.flushErr != nil {
		return m.flushErr
	}
	m.flushed = true
	return nil
}

// Discard implements the DiscardBackend interface
func (m *MockBackend) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrDeviceOffline
	}
	if offset < 0 || offset >= m.size {
		return nil
	}
	end := min(offset+length, m.size)
	clear(m.data[offset:end])
	return nil
}

// Stats implements the StatBackend interface
func (m *MockBackend) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{})
	for k, v := range m.stats {
		stats[k] = v
	}
	stats["read_calls"] = m.readCalls
	stats["write_calls"] = m.writeCalls
	stats["flush_calls"] = m.flushCalls
	return stats
}

// Testing utility methods

// FailReads makes every later read return err. A nil err clears it.
func (m *MockBackend) FailReads(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// FailWrites makes every later write return err. A nil err clears it.
func (m *MockBackend) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// FailFlush makes every later flush return err. A nil err clears it.
func (m *MockBackend) FailFlush(err error) {
	m.mu.Lock()
	m.flushErr = err
	m.mu.Unlock()
}

// IsClosed returns true if the backend has been closed
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if a flush has succeeded
func (m *MockBackend) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// CallCounts returns the number of times each method has been called
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
	}
}

// Reset clears call counters, injected failures and state flags
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.flushed = false
	m.readErr, m.writeErr, m.flushErr = nil, nil, nil
}

// SetCustomStats allows setting custom statistics for testing
func (m *MockBackend) SetCustomStats(stats map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]interface{})
	for k, v := range stats {
		m.stats[k] = v
	}
}

// Compile-time interface checks
var (
	_ Backend        = (*MockBackend)(nil)
	_ DiscardBackend = (*MockBackend)(nil)
	_ StatBackend    = (*MockBackend)(nil)
)
