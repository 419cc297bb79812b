// Package kerr defines the structured errors returned by kernel services.
// Fatal invariant violations are not errors; see arch.Crash.
package kerr

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured kernel error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "bind_virq", "submit_io")
	Dev   string        // Device node (empty if not applicable)
	Port  uint32        // Event channel port (0 if not applicable)
	Code  Code          // High-level error category
	Errno syscall.Errno // Hypercall errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Dev != "" {
		parts = append(parts, fmt.Sprintf("dev=%s", e.Dev))
	}
	if e.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", e.Port))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("pvkernel: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("pvkernel: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches any *Error with the same Code, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Code == e.Code
	}
	return false
}

// Code represents high-level error categories
type Code string

const (
	CodeInvalidParameters  Code = "invalid parameters"
	CodeRingFull           Code = "ring full"
	CodeIOError            Code = "I/O error"
	CodeBindingFailed      Code = "event channel binding failed"
	CodeDeviceNotFound     Code = "device not found"
	CodeDeviceOffline      Code = "device offline"
	CodeNotConnected       Code = "device not connected"
	CodeBusy               Code = "busy"
	CodeTimeout            Code = "timeout"
	CodeInsufficientMemory Code = "insufficient memory"
	CodePermissionDenied   Code = "permission denied"
	CodeNotImplemented     Code = "not implemented"
)

// Sentinels for errors.Is
var (
	ErrInvalidParameters  = &Error{Code: CodeInvalidParameters}
	ErrRingFull           = &Error{Code: CodeRingFull}
	ErrIO                 = &Error{Code: CodeIOError}
	ErrBindingFailed      = &Error{Code: CodeBindingFailed}
	ErrDeviceNotFound     = &Error{Code: CodeDeviceNotFound}
	ErrDeviceOffline      = &Error{Code: CodeDeviceOffline}
	ErrNotConnected       = &Error{Code: CodeNotConnected}
	ErrTimeout            = &Error{Code: CodeTimeout}
	ErrInsufficientMemory = &Error{Code: CodeInsufficientMemory}
)

// New creates a new structured error
func New(op string, code Code, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewDevice creates a new device-specific error
func NewDevice(op, dev string, code Code, msg string) *Error {
	return &Error{
		Op:   op,
		Dev:  dev,
		Code: code,
		Msg:  msg,
	}
}

// NewWithErrno creates a new structured error with errno
func NewWithErrno(op string, code Code, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// FromStatus converts a hypercall status (negative errno on failure) into an
// error with the given code. Non-negative statuses return nil.
func FromStatus(op string, code Code, status int) error {
	if status >= 0 {
		return nil
	}
	errno := syscall.Errno(-status)
	return &Error{
		Op:    op,
		Code:  code,
		Errno: errno,
		Msg:   fmt.Sprintf("%s: %s", code, errno.Error()),
	}
}

// Wrap wraps an existing error with kernel context
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ke *Error
	if errors.As(inner, &ke) {
		return &Error{
			Op:    op,
			Dev:   ke.Dev,
			Port:  ke.Port,
			Code:  ke.Code,
			Errno: ke.Errno,
			Msg:   ke.Msg,
			Inner: ke.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  CodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps errno to error codes
func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOENT, syscall.ESRCH, syscall.ENODEV:
		return CodeDeviceNotFound
	case syscall.EBUSY, syscall.EEXIST:
		return CodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeNotImplemented
	case syscall.EPERM, syscall.EACCES:
		return CodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return CodeTimeout
	case syscall.ENOTCONN:
		return CodeNotConnected
	default:
		return CodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code Code) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Errno == errno
	}
	return false
}
