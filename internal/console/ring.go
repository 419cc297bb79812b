package console

import (
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

// Console page layout: the input ring, the output ring, then four indices.
const (
	InSize  = 1024
	OutSize = 2048

	offIn      = 0
	offOut     = offIn + InSize
	offInCons  = offOut + OutSize
	offInProd  = offInCons + 4
	offOutCons = offInProd + 4
	offOutProd = offOutCons + 4

	// LayoutSize is the number of bytes of the page the rings use.
	LayoutSize = offOutProd + 4
)

// Ring is a view of a shared console page. Input flows from the backend to
// the guest, output from the guest to the backend. Each side must serialize
// its own producer and consumer calls.
type Ring struct {
	page []byte
}

// Attach views page as a console ring.
func Attach(page []byte) (*Ring, error) {
	if len(page) < LayoutSize {
		return nil, kerr.New("console_attach", kerr.CodeInvalidParameters, "page too small for console ring")
	}
	if uintptr(unsafe.Pointer(&page[0]))%4 != 0 {
		return nil, kerr.New("console_attach", kerr.CodeInvalidParameters, "page not word aligned")
	}
	return &Ring{page: page}, nil
}

func (r *Ring) word(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.page[off]))
}

func (r *Ring) put(buf, size, consOff, prodOff int, p []byte) int {
	cons := r.word(consOff).Load()
	prod := r.word(prodOff).Load()
	arch.Mb()
	used := prod - cons
	if used > uint32(size) {
		return 0
	}
	n := min(len(p), size-int(used))
	for i := 0; i < n; i++ {
		r.page[buf+int((prod+uint32(i))&uint32(size-1))] = p[i]
	}
	arch.Wmb()
	r.word(prodOff).Store(prod + uint32(n))
	return n
}

func (r *Ring) get(buf, size, consOff, prodOff int, p []byte) int {
	cons := r.word(consOff).Load()
	prod := r.word(prodOff).Load()
	arch.Rmb()
	avail := prod - cons
	if avail > uint32(size) {
		return 0
	}
	n := min(len(p), int(avail))
	for i := 0; i < n; i++ {
		p[i] = r.page[buf+int((cons+uint32(i))&uint32(size-1))]
	}
	arch.Mb()
	r.word(consOff).Store(cons + uint32(n))
	return n
}

func (r *Ring) pending(consOff, prodOff int) uint32 {
	return r.word(prodOff).Load() - r.word(consOff).Load()
}

// WriteOut appends guest output and returns how much fit.
func (r *Ring) WriteOut(p []byte) int { return r.put(offOut, OutSize, offOutCons, offOutProd, p) }

// ReadOut drains guest output into p.
func (r *Ring) ReadOut(p []byte) int { return r.get(offOut, OutSize, offOutCons, offOutProd, p) }

// WriteIn appends input for the guest and returns how much fit.
func (r *Ring) WriteIn(p []byte) int { return r.put(offIn, InSize, offInCons, offInProd, p) }

// ReadIn drains input into p.
func (r *Ring) ReadIn(p []byte) int { return r.get(offIn, InSize, offInCons, offInProd, p) }

// InPending returns the number of unread input bytes.
func (r *Ring) InPending() uint32 { return r.pending(offInCons, offInProd) }

// OutPending returns the number of output bytes the backend has not read.
func (r *Ring) OutPending() uint32 { return r.pending(offOutCons, offOutProd) }

// OutFree returns the room left in the output ring.
func (r *Ring) OutFree() uint32 { return OutSize - min(r.OutPending(), OutSize) }
