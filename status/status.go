// Package status implements the error taxonomy shared by the event engine,
// its timers and its endpoints.
//
// Errors carry a [Code], a human readable message, an optional cause (usually
// a [syscall.Errno]) and optional key/value context, such as the
// peer address of the socket that failed.
package status

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"syscall"
)

// Code classifies an error.
type Code int

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	ResourceExhausted
	FailedPrecondition
	Internal
	Unavailable
	Unimplemented
)

// String returns the canonical name of the code.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Cancelled:
		return "CANCELLED"
	case Unknown:
		return "UNKNOWN"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case NotFound:
		return "NOT_FOUND"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case Internal:
		return "INTERNAL"
	case Unavailable:
		return "UNAVAILABLE"
	case Unimplemented:
		return "UNIMPLEMENTED"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

// Error is a structured error with a code and context.
type Error struct {
	Cause   error
	Context map[string]any
	Message string
	Code    Code
}

// New creates a new error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new error with the given code and a formatted message.
// A %w verb sets the cause.
func Errorf(code Code, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), Cause: errors.Unwrap(err)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Message != `` {
		b.WriteString(`: `)
		b.WriteString(e.Message)
	}
	if len(e.Context) != 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(` {`)
		for i, k := range keys {
			if i != 0 {
				b.WriteString(`, `)
			}
			fmt.Fprintf(&b, `%s=%v`, k, e.Context[k])
		}
		b.WriteString(`}`)
	}
	return b.String()
}

// Unwrap returns the cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, when the target carries no
// message. A target with a message must match exactly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Message == `` || t.Message == e.Message
}

// WithContext adds context to the error, returning the receiver.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf returns the code of err. A nil error is OK and an error that is not
// an *Error is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Message returns the message of err, without the code prefix or context.
func Message(err error) string {
	if err == nil {
		return ``
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func CancelledError(message string) *Error          { return New(Cancelled, message) }
func DeadlineExceededError(message string) *Error   { return New(DeadlineExceeded, message) }
func FailedPreconditionError(message string) *Error { return New(FailedPrecondition, message) }
func InternalError(message string) *Error           { return New(Internal, message) }
func InvalidArgumentError(message string) *Error    { return New(InvalidArgument, message) }
func UnavailableError(message string) *Error        { return New(Unavailable, message) }
func UnimplementedError(message string) *Error      { return New(Unimplemented, message) }
func UnknownError(message string) *Error            { return New(Unknown, message) }

// FromErrno builds an Internal error "<op>: <strerror>" with the errno as the
// cause. The errno is also recorded as context.
func FromErrno(op string, err error) *Error {
	if err == nil {
		return InternalError(op)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return (&Error{
			Code:    Internal,
			Message: op + `: ` + errno.Error(),
			Cause:   errno,
		}).WithContext(`errno`, int(errno))
	}
	return &Error{Code: Internal, Message: op + `: ` + err.Error(), Cause: err}
}
