// Package ferrors implements the error taxonomy of §7: a small closed
// set of recovery-relevant kinds, each wrapping the underlying cause so
// callers can both switch on Kind and print the original error chain.
package ferrors

import "github.com/pkg/errors"

// Kind is one of the recovery-relevant error categories from spec §7.
type Kind int

const (
	// Unknown is the zero value; never assigned to an Error by this
	// package, and what KindOf reports for an untagged error.
	Unknown Kind = iota
	BadParameter
	Busy
	Closed
	NotPermitted
	Unsupported
	ParseError
	SourceMismatch
	CrcMismatch
	IoAlignment
	IoEccFailure
	IoWriteFailed
	Terminated
	Fault
)

func (k Kind) String() string {
	switch k {
	case BadParameter:
		return "BadParameter"
	case Busy:
		return "Busy"
	case Closed:
		return "Closed"
	case NotPermitted:
		return "NotPermitted"
	case Unsupported:
		return "Unsupported"
	case ParseError:
		return "ParseError"
	case SourceMismatch:
		return "SourceMismatch"
	case CrcMismatch:
		return "CrcMismatch"
	case IoAlignment:
		return "IoAlignment"
	case IoEccFailure:
		return "IoEccFailure"
	case IoWriteFailed:
		return "IoWriteFailed"
	case Terminated:
		return "Terminated"
	case Fault:
		return "Fault"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged error that preserves its cause.
type Error struct {
	kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

// Cause lets github.com/pkg/errors.Cause unwrap through this type.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/As from the standard library too.
func (e *Error) Unwrap() error { return e.cause }

// New builds a bare Kind error with a message, no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, cause: errors.New(msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving its message and
// stack via pkg/errors.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with formatting.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// KindOf extracts the Kind of err, walking its cause chain. Returns
// Unknown if err was never tagged by this package.
func KindOf(err error) Kind {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe.kind
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = cause.Cause()
	}
	return Unknown
}

// Is reports whether err (or any error in its cause chain) has kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
