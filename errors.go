package hiboss

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure the way the JSON-RPC layer needs to see
// it (§7). Every component-level error should be, or wrap, an *Error so
// the IPC handlers can map it onto a wire code without re-deriving the
// kind from string matching.
type ErrorKind string

const (
	// ErrInvalidParams means the caller supplied malformed input; never retried.
	ErrInvalidParams ErrorKind = "invalid-params"
	// ErrUnauthorized means the token was missing, invalid, or of insufficient level.
	ErrUnauthorized ErrorKind = "unauthorized"
	// ErrNotFound means the addressed resource is absent.
	ErrNotFound ErrorKind = "not-found"
	// ErrAlreadyExists means a uniqueness constraint was violated.
	ErrAlreadyExists ErrorKind = "already-exists"
	// ErrAmbiguousIDPrefix means a short id matched more than one row.
	ErrAmbiguousIDPrefix ErrorKind = "ambiguous-id-prefix"
	// ErrInternal covers Store IO, adapter crashes, and anything unexpected.
	ErrInternal ErrorKind = "internal"
)

// Error is the structured error type every Hi-Boss component returns.
// It carries a Kind the IPC layer maps to a wire code (§7) and an
// optional Data payload (e.g. ambiguous-id-prefix candidates).
type Error struct {
	Kind    ErrorKind
	Op      string // the operation that failed, e.g. "envelope.send"
	Message string
	Data    any
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs an *Error with the given kind and a formatted message.
func NewError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches a structured detail payload (e.g. an envelope id
// for a failed dispatch, or ambiguous-id-prefix candidates) and
// returns the same *Error for chaining.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Wrap constructs an *Error from an underlying cause, preserving it for
// errors.Is/errors.As.
func Wrap(kind ErrorKind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	if already, ok := err.(*Error); ok {
		return already
	}
	return &Error{Kind: kind, Op: op, Message: "failed", Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrInternal if err
// is not (or does not wrap) an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}
