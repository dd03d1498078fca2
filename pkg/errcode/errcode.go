// Package errcode holds the status codes reported by the line driver, the board state machine and the hal.
package errcode

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a stable error identifier. It is comparable and implements error.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK Code = "ok"
	// BadParameter reports a line or sensor index out of range.
	BadParameter Code = "bad_parameter"
	// IOFailure reports an OS level export, open, read or write failure.
	IOFailure Code = "io_failure"
	// OperationFailure reports a semantically invalid operation,
	// e.g. reading a line which is not configured as input.
	OperationFailure Code = "operation_failure"
	// OutOfMemory reports a failed allocation of the line table.
	OutOfMemory Code = "out_of_memory"
	// Unsupported reports a capability this board does not implement.
	Unsupported   Code = "unsupported"
	AlreadyActive Code = "already_active"
	NotActive     Code = "not_active"

	Failure Code = "failure" // generic fallback
)

// E keeps the code together with the operation, the affected line or sensor and a cause.
type E struct {
	C   Code
	Op  string
	ID  int
	Err error
}

func (e *E) Error() string {
	msg := string(e.C)
	if e.Op != "" {
		msg = fmt.Sprintf("%s %d: %s", e.Op, e.ID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is matches a bare Code, so errors.Is(err, errcode.IOFailure) works through any wrapping.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New returns an error with code c for operation op on line or sensor id.
func New(c Code, op string, id int, err error) error {
	return &E{C: c, Op: op, ID: id, Err: err}
}

// Newf is New with a formatted cause.
func Newf(c Code, op string, id int, format string, args ...interface{}) error {
	return &E{C: c, Op: op, ID: id, Err: errors.Errorf(format, args...)}
}

// Of extracts a Code from an error, defaulting to Failure.
func Of(err error) Code {
	if err == nil {
		return OK
	}

	var e *E
	if errors.As(err, &e) {
		return e.C
	}

	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Failure
}
