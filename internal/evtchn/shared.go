package evtchn

import (
	"math/bits"
	"sync/atomic"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
)

const (
	bitsPerWord = 64
	numWords    = constants.NumEventPorts / bitsPerWord
)

// VCPUInfo is the per-vCPU part of the shared info page.
type VCPUInfo struct {
	upcallPending atomic.Uint32
	pendingSel    atomic.Uint64
}

// UpcallPending reports whether the vCPU has an undelivered upcall.
func (v *VCPUInfo) UpcallPending() bool { return v.upcallPending.Load() != 0 }

// SharedInfo is the page shared between a domain and the hypervisor: a
// two-level bitmap of pending and masked ports plus per-vCPU selectors.
// The hypervisor sets bits, the guest clears them.
type SharedInfo struct {
	pending [numWords]atomic.Uint64
	mask    [numWords]atomic.Uint64
	vcpus   []VCPUInfo
}

// NewSharedInfo returns a page for nvcpu vCPUs with every port masked.
func NewSharedInfo(nvcpu int) *SharedInfo {
	s := &SharedInfo{vcpus: make([]VCPUInfo, nvcpu)}
	for i := range s.mask {
		s.mask[i].Store(^uint64(0))
	}
	return s
}

// NumVCPUs returns the number of vCPUs the page describes.
func (s *SharedInfo) NumVCPUs() int { return len(s.vcpus) }

// VCPU returns the per-vCPU info for vcpu.
func (s *SharedInfo) VCPU(vcpu int) *VCPUInfo { return &s.vcpus[vcpu] }

func split(port Port) (word int, bit uint64) {
	return int(port) / bitsPerWord, 1 << (uint(port) % bitsPerWord)
}

// SetPending marks port pending and, if it is unmasked and was not already
// pending, flags an upcall on vcpu. It reports whether an upcall must be
// raised.
func (s *SharedInfo) SetPending(port Port, vcpu int) bool {
	w, b := split(port)
	if s.pending[w].Or(b)&b != 0 {
		return false
	}
	return s.notify(w, b, vcpu)
}

func (s *SharedInfo) notify(w int, b uint64, vcpu int) bool {
	if s.mask[w].Load()&b != 0 {
		return false
	}
	v := &s.vcpus[vcpu]
	if v.pendingSel.Or(1<<uint(w))&(1<<uint(w)) != 0 {
		return false
	}
	return v.upcallPending.Swap(1) == 0
}

// ClearPending drops a pending bit without delivering it.
func (s *SharedInfo) ClearPending(port Port) {
	w, b := split(port)
	s.pending[w].And(^b)
}

// IsPending reports whether port is pending.
func (s *SharedInfo) IsPending(port Port) bool {
	w, b := split(port)
	return s.pending[w].Load()&b != 0
}

// Mask stops delivery of port. Pending state is kept.
func (s *SharedInfo) Mask(port Port) {
	w, b := split(port)
	s.mask[w].Or(b)
}

// IsMasked reports whether port is masked.
func (s *SharedInfo) IsMasked(port Port) bool {
	w, b := split(port)
	return s.mask[w].Load()&b != 0
}

// Unmask re-enables delivery of port. An event that arrived while masked is
// re-raised on vcpu; the result says whether an upcall must be raised.
func (s *SharedInfo) Unmask(port Port, vcpu int) bool {
	w, b := split(port)
	s.mask[w].And(^b)
	if s.pending[w].Load()&b == 0 {
		return false
	}
	return s.notify(w, b, vcpu)
}

// Scan delivers every pending, unmasked port flagged for vcpu. Ports for
// which mine returns false are left pending for the vCPU they are bound to;
// a nil mine accepts every port. Each pending bit is cleared before fn runs,
// so an event raised during fn is delivered on the next pass rather than
// lost.
func (s *SharedInfo) Scan(vcpu int, mine func(Port) bool, fn func(Port)) int {
	v := &s.vcpus[vcpu]
	v.upcallPending.Store(0)

	n := 0
	for {
		sel := v.pendingSel.Swap(0)
		if sel == 0 {
			return n
		}
		for sel != 0 {
			w := bits.TrailingZeros64(sel)
			sel &^= 1 << uint(w)

			ready := s.pending[w].Load() &^ s.mask[w].Load()
			for ready != 0 {
				b := ready & -ready
				ready &^= b
				port := Port(w*bitsPerWord + bits.TrailingZeros64(b))
				if mine != nil && !mine(port) {
					continue
				}
				if s.pending[w].And(^b)&b == 0 {
					continue
				}
				fn(port)
				n++
			}
		}
	}
}
