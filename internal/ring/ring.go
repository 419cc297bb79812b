// Package ring implements the split-driver shared ring: a page holding four
// producer/event indices followed by a power-of-two array of fixed-size
// slots, used for requests and responses alike.
//
// The frontend produces requests and consumes responses; the backend does the
// opposite. Producer indices are published with release semantics and read
// with acquire semantics; the event indices let each side ask to be notified
// only once the other has produced past a given point.
package ring

import (
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

// Shared page layout.
const (
	offReqProd  = 0
	offReqEvent = 4
	offRspProd  = 8
	offRspEvent = 12

	// HeaderSize is the space reserved for indices before the first slot.
	HeaderSize = 64
)

// SizeFor returns the number of slots of slotSize bytes that fit in a page
// of pageSize bytes, rounded down to a power of two.
func SizeFor(pageSize, slotSize int) uint32 {
	n := uint32((pageSize - HeaderSize) / slotSize)
	if n == 0 {
		return 0
	}
	size := uint32(1)
	for size*2 <= n {
		size *= 2
	}
	return size
}

// Shared is a view over a shared ring page.
type Shared struct {
	page     []byte
	size     uint32
	mask     uint32
	slotSize int
}

// Attach returns a view over an existing ring page.
func Attach(page []byte, slotSize int) (*Shared, error) {
	if slotSize <= 0 {
		return nil, kerr.New("ring_attach", kerr.CodeInvalidParameters, "slot size must be positive")
	}
	if len(page) < HeaderSize+slotSize {
		return nil, kerr.New("ring_attach", kerr.CodeInvalidParameters, "page too small for one slot")
	}
	if uintptr(unsafe.Pointer(&page[0]))%8 != 0 {
		return nil, kerr.New("ring_attach", kerr.CodeInvalidParameters, "ring page is not aligned")
	}
	size := SizeFor(len(page), slotSize)
	return &Shared{page: page, size: size, mask: size - 1, slotSize: slotSize}, nil
}

// Init zeroes the indices and slots of page and returns a view over it.
func Init(page []byte, slotSize int) (*Shared, error) {
	s, err := Attach(page, slotSize)
	if err != nil {
		return nil, err
	}
	clear(s.page)
	s.word(offReqEvent).Store(1)
	s.word(offRspEvent).Store(1)
	return s, nil
}

func (s *Shared) word(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.page[off]))
}

// Size returns the slot count.
func (s *Shared) Size() uint32 { return s.size }

// SlotSize returns the size of one slot in bytes.
func (s *Shared) SlotSize() int { return s.slotSize }

// Slot returns the slot that index maps to.
func (s *Shared) Slot(idx uint32) []byte {
	off := HeaderSize + int(idx&s.mask)*s.slotSize
	return s.page[off : off+s.slotSize : off+s.slotSize]
}

func (s *Shared) ReqProd() uint32  { return s.word(offReqProd).Load() }
func (s *Shared) RspProd() uint32  { return s.word(offRspProd).Load() }
func (s *Shared) ReqEvent() uint32 { return s.word(offReqEvent).Load() }
func (s *Shared) RspEvent() uint32 { return s.word(offRspEvent).Load() }

// needNotify reports whether moving a producer index from old to new
// crossed the consumer's event index.
func needNotify(event, old, new uint32) bool {
	return new-event < new-old
}

// publish stores a producer index after the slot writes it covers and
// reports whether the peer asked to be notified.
func (s *Shared) publish(prodOff, eventOff int, new uint32) bool {
	old := s.word(prodOff).Load()
	arch.Wmb()
	s.word(prodOff).Store(new)
	arch.Mb()
	return needNotify(s.word(eventOff).Load(), old, new)
}
