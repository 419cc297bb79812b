package ring

import (
	"golang.org/x/sys/cpu"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
)

// Front is the frontend's private state: the next request index to fill and
// the next response index to read. Callers serialize access.
type Front struct {
	s *Shared

	_          cpu.CacheLinePad
	reqProdPvt uint32
	rspCons    uint32
	_          cpu.CacheLinePad
}

// NewFront starts a frontend on a freshly initialized ring.
func NewFront(s *Shared) *Front {
	return &Front{s: s}
}

func (f *Front) Shared() *Shared { return f.s }

// ReqProdPvt is the index of the next request slot.
func (f *Front) ReqProdPvt() uint32 { return f.reqProdPvt }

// RspCons is the index of the next response to consume.
func (f *Front) RspCons() uint32 { return f.rspCons }

// Free returns the number of request slots that can be filled now.
func (f *Front) Free() uint32 {
	return f.s.size - (f.reqProdPvt - f.rspCons)
}

// Full reports whether every slot is in flight.
func (f *Front) Full() bool { return f.Free() == 0 }

// NextRequest claims the next request slot. It returns nil when the ring is
// full. The request becomes visible to the backend at PushRequests.
func (f *Front) NextRequest() []byte {
	if f.Full() {
		return nil
	}
	slot := f.s.Slot(f.reqProdPvt)
	f.reqProdPvt++
	return slot
}

// PushRequests publishes claimed requests and reports whether the backend
// must be notified.
func (f *Front) PushRequests() bool {
	return f.s.publish(offReqProd, offReqEvent, f.reqProdPvt)
}

// Unconsumed returns the number of responses ready to read.
func (f *Front) Unconsumed() uint32 {
	return f.s.RspProd() - f.rspCons
}

// ConsumeResponses calls fn for every available response in order. Before
// returning it re-arms rsp_event and checks once more, so a response
// produced concurrently is either consumed here or triggers a notification.
func (f *Front) ConsumeResponses(fn func(slot []byte)) int {
	n := 0
	for {
		rp := f.s.RspProd()
		arch.Rmb()
		for f.rspCons != rp {
			fn(f.s.Slot(f.rspCons))
			f.rspCons++
			n++
		}
		f.s.word(offRspEvent).Store(f.rspCons + 1)
		arch.Mb()
		if f.s.RspProd() == f.rspCons {
			return n
		}
	}
}
