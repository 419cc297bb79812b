// Package mm provides the page allocator behind shared rings and I/O
// buffers. The kernel treats it as a black box: Allocate(size, align) and
// Free(buf).
package mm

import (
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

// Allocator hands out aligned memory.
type Allocator interface {
	Allocate(size, align int) ([]byte, error)
	Free(buf []byte) error
}

// IsAligned reports whether buf starts on an align boundary.
func IsAligned(buf []byte, align int) bool {
	if len(buf) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&buf[0]))%uintptr(align) == 0
}

// AlignedSlice returns a zeroed heap slice of size bytes starting on an
// align boundary. align must be a power of two.
func AlignedSlice(size, align int) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	raw := make([]byte, size+align)
	off := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1))
	if off != 0 {
		off = align - off
	}
	return raw[off : off+size : off+size]
}

func roundUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

func checkArgs(op string, size, align int) error {
	if size <= 0 {
		return kerr.New(op, kerr.CodeInvalidParameters, "size must be positive")
	}
	if align <= 0 || align&(align-1) != 0 {
		return kerr.New(op, kerr.CodeInvalidParameters, "alignment must be a power of two")
	}
	return nil
}

// Heap allocates from the Go heap. Free is a no-op beyond accounting.
type Heap struct {
	live atomic.Int64
}

func (h *Heap) Allocate(size, align int) ([]byte, error) {
	if err := checkArgs("allocate", size, align); err != nil {
		return nil, err
	}
	h.live.Add(1)
	return AlignedSlice(size, align), nil
}

func (h *Heap) Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	h.live.Add(-1)
	return nil
}

// Live returns the number of allocations not yet freed.
func (h *Heap) Live() int64 { return h.live.Load() }

// pageAlign is the alignment every Pages allocation satisfies.
const pageAlign = constants.PageSize
