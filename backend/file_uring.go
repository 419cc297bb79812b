//go:build linux && giouring

package backend

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

const uringEntries = 8

// uringIO submits one read, write or fsync at a time through a private
// io_uring. The ring is not safe for concurrent submitters, so calls are
// serialized.
type uringIO struct {
	mu   sync.Mutex
	fd   int
	ring *giouring.Ring
}

func newFileIO(f *os.File) (fileIO, error) {
	ring, err := giouring.CreateRing(uringEntries)
	if err != nil {
		return nil, fmt.Errorf("create io_uring: %w", err)
	}
	return &uringIO{fd: int(f.Fd()), ring: ring}, nil
}

// do prepares one SQE with prep, submits it and waits for its completion.
func (u *uringIO) do(prep func(*giouring.SubmissionQueueEntry)) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sqe := u.ring.GetSQE()
	if sqe == nil {
		return 0, syscall.EBUSY
	}
	prep(sqe)
	sqe.UserData = 1
	if _, err := u.ring.SubmitAndWait(1); err != nil {
		return 0, err
	}
	cqe, err := u.ring.WaitCQE()
	if err != nil {
		return 0, err
	}
	res := cqe.Res
	u.ring.CQESeen(cqe)
	if res < 0 {
		return 0, syscall.Errno(-res)
	}
	return int(res), nil
}

func (u *uringIO) readAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := u.do(func(sqe *giouring.SubmissionQueueEntry) {
			rest := p[done:]
			sqe.PrepareRead(u.fd, uintptr(unsafe.Pointer(&rest[0])), uint32(len(rest)), uint64(off)+uint64(done))
		})
		if err != nil {
			return done, err
		}
		if n == 0 {
			// EOF of a sparse image
			break
		}
		done += n
	}
	return done, nil
}

func (u *uringIO) writeAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := u.do(func(sqe *giouring.SubmissionQueueEntry) {
			rest := p[done:]
			sqe.PrepareWrite(u.fd, uintptr(unsafe.Pointer(&rest[0])), uint32(len(rest)), uint64(off)+uint64(done))
		})
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, syscall.EIO
		}
		done += n
	}
	return done, nil
}

func (u *uringIO) sync() error {
	_, err := u.do(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(u.fd, 0)
	})
	return err
}

func (u *uringIO) close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ring.QueueExit()
	return nil
}

func (u *uringIO) kind() string { return "io_uring" }
