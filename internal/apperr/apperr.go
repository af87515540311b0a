// Package apperr defines the error taxonomy shared by the generation pipeline,
// the job service and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindMedia      Kind = "media"
	KindTimeout    Kind = "timeout"
	KindRemote     Kind = "remote"
	KindNotFound   Kind = "not_found"
	KindNotReady   Kind = "not_ready"
	KindInternal   Kind = "internal"
)

// Error carries a Kind so callers can map failures to job states and HTTP codes.
// Msg is user-facing; Err is the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Validation(op, msg string) *Error {
	return newError(KindValidation, op, msg, nil)
}

func Media(op, msg string, err error) *Error {
	return newError(KindMedia, op, msg, err)
}

func Timeout(op, msg string) *Error {
	return newError(KindTimeout, op, msg, nil)
}

func Remote(op, msg string, err error) *Error {
	return newError(KindRemote, op, msg, err)
}

func NotFound(op, msg string) *Error {
	return newError(KindNotFound, op, msg, nil)
}

func NotReady(op, msg string) *Error {
	return newError(KindNotReady, op, msg, nil)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-facing message of err. Errors outside the taxonomy
// fall back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}
