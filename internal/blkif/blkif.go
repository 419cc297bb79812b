// Package blkif defines the block ring wire format shared by the block
// frontend and backend.
package blkif

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/ring"
)

// Op is a block request operation code.
type Op uint8

const (
	OpRead  Op = 0
	OpWrite Op = 1
	// OpFlush is only sent when the backend advertises feature-flush-cache.
	OpFlush Op = 3
	// OpDiscard is only sent when the backend advertises feature-discard. It
	// carries a sector count instead of segments.
	OpDiscard Op = 5
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Response status codes
const (
	StatusOK         int64 = 0
	StatusError      int64 = -1
	StatusNotSupport int64 = -2
)

// Wire sizes
const (
	// SlotSize is the size of one ring slot: the larger of request and
	// response, padded to the ABI's union size.
	SlotSize     = 112
	RequestSize  = 16 + MaxSegments*SegmentSize
	ResponseSize = 16
	SegmentSize  = 8

	MaxSegments = constants.MaxPagesPerRequest
)

// RingSize is the number of slots in a one-page block ring.
var RingSize = ring.SizeFor(constants.PageSize, SlotSize)

// Segment names one granted page and the sector window used in it.
type Segment struct {
	Gref      uint32
	FirstSect uint8
	LastSect  uint8
}

// Sectors returns the number of sectors the segment covers.
func (s Segment) Sectors() int {
	return int(s.LastSect) - int(s.FirstSect) + 1
}

// Request is a block ring request.
type Request struct {
	Op         Op
	NrSegments uint8
	Handle     uint16
	ID         uint16
	Sector     uint64
	Segments   [MaxSegments]Segment
	// NrSectors is the length of a discard.
	NrSectors uint64
}

// Response is a block ring response.
type Response struct {
	ID     uint16
	Op     Op
	Status int64
}

// PutRequest encodes r into a ring slot.
func PutRequest(dst []byte, r *Request) error {
	if len(dst) < RequestSize {
		return ErrInsufficientData
	}
	dst[0] = byte(r.Op)
	dst[1] = r.NrSegments
	binary.LittleEndian.PutUint16(dst[2:4], r.Handle)
	binary.LittleEndian.PutUint16(dst[4:6], r.ID)
	binary.LittleEndian.PutUint16(dst[6:8], 0)
	binary.LittleEndian.PutUint64(dst[8:16], r.Sector)
	if r.Op == OpDiscard {
		clear(dst[16:RequestSize])
		binary.LittleEndian.PutUint64(dst[16:24], r.NrSectors)
		return nil
	}

	off := 16
	for i := 0; i < MaxSegments; i++ {
		seg := r.Segments[i]
		binary.LittleEndian.PutUint32(dst[off:off+4], seg.Gref)
		dst[off+4] = seg.FirstSect
		dst[off+5] = seg.LastSect
		binary.LittleEndian.PutUint16(dst[off+6:off+8], 0)
		off += SegmentSize
	}
	return nil
}

// GetRequest decodes a ring slot into r.
func GetRequest(src []byte, r *Request) error {
	if len(src) < RequestSize {
		return ErrInsufficientData
	}
	r.Op = Op(src[0])
	r.NrSegments = src[1]
	r.Handle = binary.LittleEndian.Uint16(src[2:4])
	r.ID = binary.LittleEndian.Uint16(src[4:6])
	r.Sector = binary.LittleEndian.Uint64(src[8:16])
	r.NrSectors = 0
	if r.Op == OpDiscard {
		r.NrSegments = 0
		r.Segments = [MaxSegments]Segment{}
		r.NrSectors = binary.LittleEndian.Uint64(src[16:24])
		return nil
	}
	if int(r.NrSegments) > MaxSegments {
		return ErrTooManySegments
	}

	off := 16
	for i := 0; i < MaxSegments; i++ {
		r.Segments[i] = Segment{
			Gref:      binary.LittleEndian.Uint32(src[off : off+4]),
			FirstSect: src[off+4],
			LastSect:  src[off+5],
		}
		off += SegmentSize
	}
	return nil
}

// PutResponse encodes r into a ring slot.
func PutResponse(dst []byte, r *Response) error {
	if len(dst) < ResponseSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint16(dst[0:2], r.ID)
	dst[2] = byte(r.Op)
	dst[3] = 0
	binary.LittleEndian.PutUint32(dst[4:8], 0)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(r.Status))
	return nil
}

// GetResponse decodes a ring slot into r.
func GetResponse(src []byte, r *Response) error {
	if len(src) < ResponseSize {
		return ErrInsufficientData
	}
	r.ID = binary.LittleEndian.Uint16(src[0:2])
	r.Op = Op(src[2])
	r.Status = int64(binary.LittleEndian.Uint64(src[8:16]))
	return nil
}

// MarshalError is a wire decoding error.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrTooManySegments  MarshalError = "request carries too many segments"
)
