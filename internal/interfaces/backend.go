// Package interfaces holds the contracts shared between the kernel, the
// simulated backends and the public package.
package interfaces

// Backend is the storage behind a simulated block backend. It follows
// io.ReaderAt and io.WriterAt so that files and memory can serve directly.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p: it is a window onto a granted
	// guest page that is unmapped as soon as the call returns.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the backend in bytes.
	// It is advertised to the frontend as the sector count.
	Size() int64

	// Close closes the backend and releases any resources.
	Close() error

	// Flush flushes any cached writes to stable storage.
	// This is called when the frontend sends a flush request.
	Flush() error
}

// DiscardBackend is an optional interface. Backends that implement it are
// advertised with feature-discard.
type DiscardBackend interface {
	Backend

	// Discard discards the data in the given range; later reads return
	// zeros. offset and length are in bytes.
	Discard(offset, length int64) error
}

// StatBackend is an optional interface that provides device statistics.
type StatBackend interface {
	Backend

	// Stats returns backend-specific statistics.
	Stats() map[string]interface{}
}
