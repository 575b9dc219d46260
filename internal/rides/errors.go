package rides

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the session that caused it.
type Kind int

const (
	// KindProtocol is a malformed or unauthenticated frame.
	KindProtocol Kind = iota + 1
	// KindForbidden is an action the caller's role or identity may not take.
	KindForbidden
	// KindConflict is an action against a ride or driver in the wrong state.
	KindConflict
	// KindStore is a gateway failure; nothing was written.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindStore:
		return "store"
	}
	return "unknown"
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func storeError(op string, err error) *Error {
	return &Error{Kind: KindStore, Message: op, Err: err}
}

// Protocol wraps a frame-level failure so it renders like engine errors.
func Protocol(err error) *Error {
	return &Error{Kind: KindProtocol, Message: err.Error()}
}

// InternalMessage is what a session sees for store failures and panics.
const InternalMessage = "internal error"

// ClientMessage is the text sent in an error frame for err.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindStore {
		return e.Message
	}
	return InternalMessage
}

// KindOf returns the kind of err, or KindStore for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}
