//go:build unix

package mm

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

// Pages allocates whole pages with anonymous mmap, so shared rings live
// outside the Go heap and are page aligned.
type Pages struct {
	live atomic.Int64
}

// NewPages returns a page allocator.
func NewPages() *Pages { return &Pages{} }

// Allocate maps size bytes rounded up to a page. Alignments above the page
// size are not supported.
func (p *Pages) Allocate(size, align int) ([]byte, error) {
	if err := checkArgs("allocate", size, align); err != nil {
		return nil, err
	}
	if align > pageAlign {
		return nil, kerr.New("allocate", kerr.CodeInvalidParameters, "alignment larger than a page")
	}
	n := roundUp(size, pageAlign)
	buf, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, kerr.Wrap("mmap", err)
	}
	p.live.Add(1)
	return buf[:size], nil
}

// Free unmaps a buffer returned by Allocate.
func (p *Pages) Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	if err := unix.Munmap(buf[:cap(buf)]); err != nil {
		return kerr.Wrap("munmap", err)
	}
	p.live.Add(-1)
	return nil
}

// Live returns the number of mappings not yet freed.
func (p *Pages) Live() int64 { return p.live.Load() }
