// Package backend provides disk implementations for simulated block backends
package backend

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-pvkernel/internal/interfaces"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

// Memory is a RAM disk
type Memory struct {
	mu   sync.RWMutex
	data []byte
	size int64

	reads   atomic.Uint64
	writes  atomic.Uint64
	flushes atomic.Uint64
}

// NewMemory creates a zero-filled disk of size bytes
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Backend interface. Reads past the end return short.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.reads.Add(1)

	if m.data == nil {
		return 0, kerr.New("read", kerr.CodeDeviceOffline, "disk closed")
	}
	if off < 0 || off >= m.size {
		return 0, nil
	}
	end := min(off+int64(len(p)), m.size)
	return copy(p, m.data[off:end]), nil
}

// WriteAt implements the Backend interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes.Add(1)

	if m.data == nil {
		return 0, kerr.New("write", kerr.CodeDeviceOffline, "disk closed")
	}
	if off < 0 || off >= m.size {
		return 0, kerr.New("write", kerr.CodeInvalidParameters, "write beyond end of disk")
	}
	end := min(off+int64(len(p)), m.size)
	n := copy(m.data[off:end], p)
	if n < len(p) {
		return n, kerr.New("write", kerr.CodeInvalidParameters, "short write at end of disk")
	}
	return n, nil
}

// Size implements the Backend interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close releases the disk contents
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Flush implements the Backend interface; memory is always durable
func (m *Memory) Flush() error {
	m.flushes.Add(1)
	return nil
}

// Discard implements the DiscardBackend interface
func (m *Memory) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil || offset < 0 || offset >= m.size {
		return nil
	}
	end := min(offset+length, m.size)
	clear(m.data[offset:end])
	return nil
}

// Stats implements the StatBackend interface
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":    "memory",
		"size":    m.size,
		"reads":   m.reads.Load(),
		"writes":  m.writes.Load(),
		"flushes": m.flushes.Load(),
	}
}

// Compile-time interface checks
var (
	_ interfaces.Backend        = (*Memory)(nil)
	_ interfaces.DiscardBackend = (*Memory)(nil)
	_ interfaces.StatBackend    = (*Memory)(nil)
)
