package collective

import (
	"fmt"

	"github.com/gomlx/collective/transport"
	"github.com/pkg/errors"
)

func transportTimeout(err error) bool { return transport.IsTimeout(err) }

// ErrorKind classifies every error this package returns.
type ErrorKind int

const (
	// ErrorKindInvalidArgument is returned when a precondition fails before a
	// collective is enqueued -- it never advances the tag counter.
	ErrorKindInvalidArgument ErrorKind = iota
	// ErrorKindUnsupported is returned for operations this module declines to
	// implement at all (reduce-scatter, sparse allreduce with op != Sum, dtypes
	// outside the reduce-function table).
	ErrorKindUnsupported
	// ErrorKindRuntime is returned when the transport, the accelerator API, or an
	// internal consistency check (e.g. sparse metadata shape mismatch) fails.
	ErrorKindRuntime
	// ErrorKindTimeout is a ErrorKindRuntime raised specifically because the
	// transport's per-operation deadline elapsed.
	ErrorKindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindInvalidArgument:
		return "invalid-argument"
	case ErrorKindUnsupported:
		return "unsupported"
	case ErrorKindRuntime:
		return "runtime"
	case ErrorKindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// kindError attaches an ErrorKind to a wrapped error, so callers can recover the kind
// with Kind(err) without string matching.
type kindError struct {
	kind  ErrorKind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Cause() error  { return e.cause }
func (e *kindError) Unwrap() error { return e.cause }

// Kind returns the ErrorKind attached to err, or ErrorKindRuntime if err was not
// produced by this package (a conservative default -- an un-kinded error is treated
// as a runtime failure rather than silently ignored).
func Kind(err error) ErrorKind {
	var ke *kindError
	for e := err; e != nil; e = errors.Unwrap(e) {
		if k, ok := e.(*kindError); ok {
			ke = k
			break
		}
	}
	if ke == nil {
		return ErrorKindRuntime
	}
	return ke.kind
}

func newKindError(kind ErrorKind, format string, args ...any) error {
	return &kindError{kind: kind, cause: errors.Errorf(format, args...)}
}

func wrapKindError(kind ErrorKind, cause error, format string, args ...any) error {
	return &kindError{kind: kind, cause: errors.Wrapf(cause, format, args...)}
}

func invalidArgumentf(format string, args ...any) error {
	return newKindError(ErrorKindInvalidArgument, format, args...)
}

func unsupportedf(format string, args ...any) error {
	return newKindError(ErrorKindUnsupported, format, args...)
}

func runtimeErrorf(format string, args ...any) error {
	return newKindError(ErrorKindRuntime, format, args...)
}

func wrapRuntime(cause error, format string, args ...any) error {
	if transportTimeout(cause) {
		return &kindError{kind: ErrorKindTimeout, cause: errors.Wrapf(cause, format, args...)}
	}
	return wrapKindError(ErrorKindRuntime, cause, format, args...)
}

// panicToError turns a recovered panic value (from a worker's run()) into a
// ErrorKindRuntime error, so a programming bug inside one work item never takes down
// the worker goroutine it ran on.
func panicToError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return wrapKindError(ErrorKindRuntime, err, "panic during collective execution")
	}
	return newKindError(ErrorKindRuntime, "panic during collective execution: %v", fmt.Sprint(recovered))
}
