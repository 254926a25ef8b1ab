package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures. Every failure surfaced by the engine carries one.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInvalidTransition    Kind = "invalid_transition"
	KindInvalidSequence      Kind = "invalid_sequence"
	KindCheckTimeout         Kind = "check_timeout"
	KindCheckFailed          Kind = "check_failed"
	KindConfigurationInvalid Kind = "configuration_invalid"
	KindFeedbackUnresolved   Kind = "feedback_unresolved"
	KindInvalidInput         Kind = "invalid_input"
)

// Error is a typed failure with a machine-stable Reason and optional Detail.
type Error struct {
	Kind   Kind
	Reason string
	Detail string
	Err    error
}

var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrInvalidSequence      = &Error{Kind: KindInvalidSequence}
	ErrCheckTimeout         = &Error{Kind: KindCheckTimeout}
	ErrCheckFailed          = &Error{Kind: KindCheckFailed}
	ErrConfigurationInvalid = &Error{Kind: KindConfigurationInvalid}
	ErrFeedbackUnresolved   = &Error{Kind: KindFeedbackUnresolved}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
)

func Errorf(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and reason to an underlying error.
func Wrap(kind Kind, reason string, err error) *Error {
	e := &Error{Kind: kind, Reason: reason, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func NotFoundf(format string, args ...any) *Error {
	return Errorf(KindNotFound, "not_found", format, args...)
}

func Invalidf(format string, args ...any) *Error {
	return Errorf(KindInvalidInput, "invalid_input", format, args...)
}

func (e *Error) Error() string {
	reason := e.ReasonCode()
	if e.Detail == "" {
		return reason
	}
	return reason + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrNotFound) works
// regardless of reason or detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) ReasonCode() string {
	if e.Reason != "" {
		return e.Reason
	}
	return string(e.Kind)
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the machine-stable reason for err, or "error" for untyped errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.ReasonCode()
	}
	return "error"
}

// DetailOf returns human-readable detail for err.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
