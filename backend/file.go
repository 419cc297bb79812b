package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-pvkernel/internal/interfaces"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

// fileIO performs positioned I/O on an open file. The default build uses
// pread/pwrite; built with -tags giouring on Linux it goes through io_uring.
type fileIO interface {
	readAt(p []byte, off int64) (int, error)
	writeAt(p []byte, off int64) (int, error)
	sync() error
	close() error
	kind() string
}

// File is a disk image on the host filesystem.
type File struct {
	mu       sync.RWMutex
	path     string
	f        *os.File
	io       fileIO
	size     int64
	readOnly bool

	reads   atomic.Uint64
	writes  atomic.Uint64
	flushes atomic.Uint64
	holes   atomic.Uint64
}

// OpenFile opens the image at path. When size is positive and the file is
// smaller it is extended; a size of zero uses the file's current length.
func OpenFile(path string, size int64, readOnly bool) (*File, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, kerr.Wrap("open_file", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kerr.Wrap("open_file", err)
	}
	cur := st.Size()
	switch {
	case size > cur && !readOnly:
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, kerr.Wrap("open_file", err)
		}
	case size <= 0:
		size = cur
	case size > cur:
		f.Close()
		return nil, kerr.New("open_file", kerr.CodeInvalidParameters,
			fmt.Sprintf("read-only image %s is %d bytes, want %d", path, cur, size))
	}
	if size%512 != 0 {
		f.Close()
		return nil, kerr.New("open_file", kerr.CodeInvalidParameters,
			fmt.Sprintf("image size %d is not a whole number of sectors", size))
	}

	fio, err := newFileIO(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{path: path, f: f, io: fio, size: size, readOnly: readOnly}, nil
}

// Path returns the image path.
func (b *File) Path() string { return b.path }

// ReadOnly reports whether the image was opened read-only.
func (b *File) ReadOnly() bool { return b.readOnly }

// ReadAt implements the Backend interface. Reads past the end return short.
func (b *File) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.reads.Add(1)

	if b.io == nil {
		return 0, kerr.New("read", kerr.CodeDeviceOffline, "disk closed")
	}
	if off < 0 || off >= b.size {
		return 0, nil
	}
	if end := off + int64(len(p)); end > b.size {
		p = p[:b.size-off]
	}
	n, err := b.io.readAt(p, off)
	if err != nil {
		return n, kerr.Wrap("read", err)
	}
	// Sparse tails past EOF read as zeros.
	clear(p[n:])
	return len(p), nil
}

// WriteAt implements the Backend interface
func (b *File) WriteAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.writes.Add(1)

	switch {
	case b.io == nil:
		return 0, kerr.New("write", kerr.CodeDeviceOffline, "disk closed")
	case b.readOnly:
		return 0, kerr.New("write", kerr.CodePermissionDenied, "image is read-only")
	case off < 0 || off >= b.size:
		return 0, kerr.New("write", kerr.CodeInvalidParameters, "write beyond end of disk")
	}
	short := false
	if end := off + int64(len(p)); end > b.size {
		p, short = p[:b.size-off], true
	}
	n, err := b.io.writeAt(p, off)
	if err != nil {
		return n, kerr.Wrap("write", err)
	}
	if short {
		return n, kerr.New("write", kerr.CodeInvalidParameters, "short write at end of disk")
	}
	return n, nil
}

// Size implements the Backend interface
func (b *File) Size() int64 {
	return b.size
}

// Flush implements the Backend interface
func (b *File) Flush() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.flushes.Add(1)
	if b.io == nil {
		return kerr.New("flush", kerr.CodeDeviceOffline, "disk closed")
	}
	if b.readOnly {
		return nil
	}
	if err := b.io.sync(); err != nil {
		return kerr.Wrap("flush", err)
	}
	return nil
}

// Discard implements the DiscardBackend interface by punching a hole in
// the image.
func (b *File) Discard(offset, length int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch {
	case b.io == nil:
		return kerr.New("discard", kerr.CodeDeviceOffline, "disk closed")
	case b.readOnly:
		return kerr.New("discard", kerr.CodePermissionDenied, "image is read-only")
	case offset < 0 || offset >= b.size || length <= 0:
		return nil
	}
	length = min(length, b.size-offset)
	b.holes.Add(1)
	if err := punchHole(b.f, b.io, offset, length); err != nil {
		return kerr.Wrap("discard", err)
	}
	return nil
}

// Close releases the image. It is safe to call more than once.
func (b *File) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.io == nil {
		return nil
	}
	err := b.io.close()
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	b.io = nil
	return err
}

// Stats implements the StatBackend interface
func (b *File) Stats() map[string]interface{} {
	b.mu.RLock()
	kind := "closed"
	if b.io != nil {
		kind = b.io.kind()
	}
	b.mu.RUnlock()
	return map[string]interface{}{
		"type":      "file",
		"io":        kind,
		"path":      b.path,
		"size":      b.size,
		"read_only": b.readOnly,
		"reads":     b.reads.Load(),
		"writes":    b.writes.Load(),
		"flushes":   b.flushes.Load(),
		"discards":  b.holes.Load(),
	}
}

// preadIO is positioned I/O through the os package.
type preadIO struct{ f *os.File }

func (p preadIO) readAt(buf []byte, off int64) (int, error) {
	n, err := p.f.ReadAt(buf, off)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (p preadIO) writeAt(buf []byte, off int64) (int, error) { return p.f.WriteAt(buf, off) }
func (p preadIO) sync() error                                { return p.f.Sync() }
func (p preadIO) close() error                               { return nil }
func (p preadIO) kind() string                               { return "pread" }

// zeroFill overwrites [off, off+length) with zeros through fio. It serves
// discard where hole punching is unavailable.
func zeroFill(fio fileIO, off, length int64) error {
	zero := make([]byte, min(length, 1<<20))
	for length > 0 {
		n := min(length, int64(len(zero)))
		if _, err := fio.writeAt(zero[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

// Compile-time interface checks
var (
	_ interfaces.Backend        = (*File)(nil)
	_ interfaces.DiscardBackend = (*File)(nil)
	_ interfaces.StatBackend    = (*File)(nil)
)
