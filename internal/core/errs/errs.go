// Package errs defines the conditions the server core surfaces to the
// transport layer. Each condition has a sentinel for errors.Is checks and a
// numeric code for the wire.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAuthentication  = errors.New("authentication failed")
	ErrCapacity        = errors.New("connection limit reached")
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrConfiguration   = errors.New("invalid configuration")
	ErrIO              = errors.New("i/o failure")
	ErrRejected        = errors.New("type rejected by serialization filter")
	ErrInternal        = errors.New("internal error")
)

// Code is the numeric form of a condition, stable across releases.
type Code int

const (
	CodeUnknown         Code = 0
	CodeInvalidArgument Code = 1001
	CodeAuthentication  Code = 1002
	CodeCapacity        Code = 1003
	CodeNotFound        Code = 1004
	CodeRateLimited     Code = 1005
	CodeConfiguration   Code = 2001
	CodeIO              Code = 2002
	CodeRejected        Code = 3001
	CodeInternal        Code = 9003
)

var sentinels = map[Code]error{
	CodeInvalidArgument: ErrInvalidArgument,
	CodeAuthentication:  ErrAuthentication,
	CodeCapacity:        ErrCapacity,
	CodeNotFound:        ErrNotFound,
	CodeRateLimited:     ErrRateLimited,
	CodeConfiguration:   ErrConfiguration,
	CodeIO:              ErrIO,
	CodeRejected:        ErrRejected,
	CodeInternal:        ErrInternal,
}

// Error carries a condition code together with a message and the underlying cause.
type Error struct {
	Code      Code
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now().Unix(),
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's code.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Code]
	return ok && sentinel == target
}

// WithContext attaches a key/value pair for logging and wire diagnostics.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, fmt.Sprintf(format, args...), nil)
}

func Authentication(message string, cause error) *Error {
	return New(CodeAuthentication, message, cause)
}

func Capacity(limit int) *Error {
	return New(CodeCapacity, fmt.Sprintf("connection limit of %d reached", limit), nil).
		WithContext("limit", limit)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, fmt.Sprintf(format, args...), nil)
}

func Configuration(message string, cause error) *Error {
	return New(CodeConfiguration, message, cause)
}

func IO(message string, cause error) *Error {
	return New(CodeIO, message, cause)
}

func Rejected(typeName string) *Error {
	return New(CodeRejected, fmt.Sprintf("type %q is not allowed", typeName), nil).
		WithContext("type", typeName)
}

// CodeOf returns the code of the first coded error in err's chain, or the
// code of a matching sentinel.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// FromCode rebuilds an error received over the wire.
func FromCode(code Code, message string) error {
	if _, ok := sentinels[code]; !ok {
		return errors.New(message)
	}
	return New(code, message, nil)
}
