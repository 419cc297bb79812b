package ring

import (
	"golang.org/x/sys/cpu"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
)

// Back is the backend's private state.
type Back struct {
	s *Shared

	_          cpu.CacheLinePad
	rspProdPvt uint32
	reqCons    uint32
	_          cpu.CacheLinePad
}

// NewBack attaches a backend to a ring the frontend initialized.
func NewBack(s *Shared) *Back {
	return &Back{s: s, rspProdPvt: s.RspProd(), reqCons: s.RspProd()}
}

func (b *Back) Shared() *Shared { return b.s }

// ReqCons is the index of the next request to consume.
func (b *Back) ReqCons() uint32 { return b.reqCons }

// Unconsumed returns the number of requests ready to read, bounded by the
// response slots still owed.
func (b *Back) Unconsumed() uint32 {
	reqs := b.s.ReqProd() - b.reqCons
	rsps := b.s.size - (b.reqCons - b.rspProdPvt)
	return min(reqs, rsps)
}

// ConsumeRequests calls fn for each available request, then re-arms
// req_event and checks again before returning.
func (b *Back) ConsumeRequests(fn func(slot []byte)) int {
	n := 0
	for {
		rp := b.s.ReqProd()
		arch.Rmb()
		for b.reqCons != rp {
			if b.reqCons-b.rspProdPvt >= b.s.size {
				// The frontend overran the ring; leave the rest unread.
				return n
			}
			fn(b.s.Slot(b.reqCons))
			b.reqCons++
			n++
		}
		b.s.word(offReqEvent).Store(b.reqCons + 1)
		arch.Mb()
		if b.s.ReqProd() == b.reqCons {
			return n
		}
	}
}

// NextResponse returns the slot for the next response.
func (b *Back) NextResponse() []byte {
	slot := b.s.Slot(b.rspProdPvt)
	b.rspProdPvt++
	return slot
}

// PushResponses publishes responses and reports whether the frontend must
// be notified.
func (b *Back) PushResponses() bool {
	return b.s.publish(offRspProd, offRspEvent, b.rspProdPvt)
}
