package blkfront

import (
	"sync/atomic"

	"github.com/ehrlich-b/go-pvkernel/internal/blkif"
	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/sched"
	"github.com/ehrlich-b/go-pvkernel/internal/waitq"
)

// State is the lifecycle of a Request.
type State int32

const (
	StateEmpty State = iota
	StateSubmitted
	StateDoneSuccess
	StateDoneError
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateSubmitted:
		return "submitted"
	case StateDoneSuccess:
		return "done"
	case StateDoneError:
		return "error"
	default:
		return "unknown"
	}
}

// Request is one block I/O. Pages are whole, sector aligned pages; the
// transfer starts at sector FirstSect of the first page and ends at sector
// LastSect of the last one. Pages in between are transferred whole. A
// discard carries no pages and names its length in NrSectors.
//
// With a Callback the request is asynchronous: the callback runs in event
// handler context and must not block. Without one, Wait blocks the calling
// thread until the response arrives.
type Request struct {
	Op        blkif.Op
	Sector    uint64
	Pages     [][]byte
	FirstSect uint8
	LastSect  uint8
	NrSectors uint64

	Callback func(*Request, error)
	Data     any

	state  atomic.Int32
	status int64
	err    error
	done   waitq.Completion
}

// State returns the request's current state.
func (r *Request) State() State { return State(r.state.Load()) }

// Status returns the backend's status code for a completed request.
func (r *Request) Status() int64 { return r.status }

// Err returns the completion error, nil on success.
func (r *Request) Err() error { return r.err }

// Sectors returns the number of sectors the request transfers.
func (r *Request) Sectors() int {
	if r.Op == blkif.OpDiscard {
		return int(r.NrSectors)
	}
	n := len(r.Pages)
	if n == 0 {
		return 0
	}
	return (n-1)*constants.SectorsPerPage - int(r.FirstSect) + int(r.LastSect) + 1
}

// Wait blocks t until a callback-less request completes and returns its
// error.
func (r *Request) Wait(t *sched.Thread) error {
	r.done.Wait(t)
	return r.err
}

// Reset returns a completed request to the empty state so it can be
// submitted again.
func (r *Request) Reset() {
	r.state.Store(int32(StateEmpty))
	r.status = 0
	r.err = nil
	r.done.Reset()
}

func (r *Request) segment(i int, gref uint32) blkif.Segment {
	seg := blkif.Segment{Gref: gref, FirstSect: 0, LastSect: constants.SectorsPerPage - 1}
	if i == 0 {
		seg.FirstSect = r.FirstSect
	}
	if i == len(r.Pages)-1 {
		seg.LastSect = r.LastSect
	}
	return seg
}

func (r *Request) finish() {
	if r.Callback != nil {
		r.Callback(r, r.err)
		return
	}
	r.done.NotifyOne()
}
