package consultation

import (
	"errors"
	"fmt"
)

// Kind classifies a consultation error for callers and transports.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindSlotUnavailable   Kind = "slot_unavailable"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotEligible       Kind = "not_eligible"
)

// Error is returned for every expected failure of the booking engine.
// Anything else is an infrastructure failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrSlotUnavailable   = &Error{Kind: KindSlotUnavailable}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrNotEligible       = &Error{Kind: KindNotEligible}
)

// KindOf returns the kind of err, or "" when err is not a consultation error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func invalidInput(format string, args ...any) error {
	return newError(KindInvalidInput, format, args...)
}

func notFound(format string, args ...any) error {
	return newError(KindNotFound, format, args...)
}

func forbidden(format string, args ...any) error {
	return newError(KindForbidden, format, args...)
}

func invalidTransition(format string, args ...any) error {
	return newError(KindInvalidTransition, format, args...)
}
