package pvkernel

import (
	"errors"
	"syscall"

	"github.com/ehrlich-b/go-pvkernel/internal/arch"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

// Error is the structured error returned by every kernel service.
type Error = kerr.Error

// ErrorCode is a high-level error category.
type ErrorCode = kerr.Code

// FatalError is returned by Domain.Run when the kernel stopped on an
// invariant violation.
type FatalError = arch.FatalError

const (
	ErrCodeInvalidParameters  = kerr.CodeInvalidParameters
	ErrCodeRingFull           = kerr.CodeRingFull
	ErrCodeIOError            = kerr.CodeIOError
	ErrCodeBindingFailed      = kerr.CodeBindingFailed
	ErrCodeDeviceNotFound     = kerr.CodeDeviceNotFound
	ErrCodeDeviceOffline      = kerr.CodeDeviceOffline
	ErrCodeNotConnected       = kerr.CodeNotConnected
	ErrCodeBusy               = kerr.CodeBusy
	ErrCodeTimeout            = kerr.CodeTimeout
	ErrCodeInsufficientMemory = kerr.CodeInsufficientMemory
	ErrCodePermissionDenied   = kerr.CodePermissionDenied
	ErrCodeNotImplemented     = kerr.CodeNotImplemented
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrInvalidParameters  = kerr.ErrInvalidParameters
	ErrRingFull           = kerr.ErrRingFull
	ErrIO                 = kerr.ErrIO
	ErrBindingFailed      = kerr.ErrBindingFailed
	ErrDeviceNotFound     = kerr.ErrDeviceNotFound
	ErrDeviceOffline      = kerr.ErrDeviceOffline
	ErrNotConnected       = kerr.ErrNotConnected
	ErrTimeout            = kerr.ErrTimeout
	ErrInsufficientMemory = kerr.ErrInsufficientMemory
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return kerr.New(op, code, msg)
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op, dev string, code ErrorCode, msg string) *Error {
	return kerr.NewDevice(op, dev, code, msg)
}

// WrapError wraps err with op, deriving the code from an errno if there is
// one.
func WrapError(op string, err error) *Error {
	return kerr.Wrap(op, err)
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	return kerr.IsCode(err, code)
}

// IsErrno reports whether err carries errno.
func IsErrno(err error, errno syscall.Errno) bool {
	return kerr.IsErrno(err, errno)
}

// IsFatal reports whether err is a kernel crash.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
