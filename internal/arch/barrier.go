package arch

import "sync/atomic"

// barrierWord backs the fences below. A locked read-modify-write on it is a
// full fence on amd64 and arm64, and the Go memory model treats it as a
// synchronizing operation.
var barrierWord int64

// Wmb orders prior stores before later stores (producer publishing a slot
// before advancing the index).
func Wmb() {
	atomic.AddInt64(&barrierWord, 0)
}

// Rmb orders the index load before later slot loads (consumer side).
func Rmb() {
	atomic.AddInt64(&barrierWord, 0)
}

// Mb is a full barrier, used between publishing an index and re-reading the
// peer's event threshold.
func Mb() {
	atomic.AddInt64(&barrierWord, 0)
}
