package arch

import (
	"fmt"
	"runtime/debug"

	"github.com/ehrlich-b/go-pvkernel/internal/logging"
)

// FatalError is raised by Crash when a kernel invariant is violated. The
// kernel turns it into domain termination; it is never returned as an
// ordinary error from a primitive.
type FatalError struct {
	Reason string
	Fields []any
	Stack  []byte
}

func (e *FatalError) Error() string {
	if len(e.Fields) == 0 {
		return "pvkernel: fatal: " + e.Reason
	}
	return fmt.Sprintf("pvkernel: fatal: %s %v", e.Reason, e.Fields)
}

// Crash logs reason with a stack dump and panics with a *FatalError.
func Crash(reason string, kv ...any) {
	fe := &FatalError{Reason: reason, Fields: kv, Stack: debug.Stack()}
	args := append([]any{"stack", string(fe.Stack)}, kv...)
	logging.Default().Error("fatal: "+reason, args...)
	panic(fe)
}

// AsFatal converts a recovered panic value into a *FatalError. Panics that
// did not come from Crash are wrapped so that the kernel reports them the
// same way.
func AsFatal(r any) *FatalError {
	switch v := r.(type) {
	case nil:
		return nil
	case *FatalError:
		return v
	case error:
		return &FatalError{Reason: "panic: " + v.Error(), Stack: debug.Stack()}
	default:
		return &FatalError{Reason: fmt.Sprintf("panic: %v", v), Stack: debug.Stack()}
	}
}

// Catch runs fn and returns the fatal error it raised, if any.
func Catch(fn func()) (fe *FatalError) {
	defer func() {
		fe = AsFatal(recover())
	}()
	fn()
	return nil
}
