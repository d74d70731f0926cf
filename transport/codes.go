package transport

import (
	"errors"
	"fmt"
)

// Code is the canonical status code attached to backend errors.
type Code int

const (
	OK Code = iota
	Canceled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	FailedPrecondition
	Aborted
	ResourceExhausted
	Internal
	Unavailable
	Unauthenticated
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Canceled:           "Canceled",
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	DeadlineExceeded:   "DeadlineExceeded",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	FailedPrecondition: "FailedPrecondition",
	Aborted:            "Aborted",
	ResourceExhausted:  "ResourceExhausted",
	Internal:           "Internal",
	Unavailable:        "Unavailable",
	Unauthenticated:    "Unauthenticated",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is the status error returned by a Transport. It is an opaque
// passthrough from the backend; the client layers only inspect its Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %s", e.Code, e.Message)
}

// Errorf builds a status error with the given code.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrCode extracts the status code from err. Unwrapped or foreign errors
// report Unknown; nil reports OK.
func ErrCode(err error) Code {
	if err == nil {
		return OK
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return Unknown
}

// IsAborted reports whether err is a backend concurrency conflict that a
// read-write transaction may retry on a fresh handle.
func IsAborted(err error) bool { return ErrCode(err) == Aborted }

// IsResumable reports whether a streaming call interrupted by err may be
// restarted with the last resume token.
func IsResumable(err error) bool {
	return ErrCode(err) == Unavailable
}

// IsSessionInvalid reports whether err proves the backend session is gone
// and must not be returned to the pool.
func IsSessionInvalid(err error) bool { return ErrCode(err) == NotFound }
