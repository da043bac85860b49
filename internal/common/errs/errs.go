// Package errs implements the five-kind error taxonomy of the core
// (configuration, session lifecycle, workspace, delegation, policy). Every
// fallible core operation returns one of these instead of panicking; panics
// are reserved for internal invariant violations.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error per the taxonomy.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindSessionLifecycle  Kind = "session_lifecycle"
	KindWorkspace         Kind = "workspace"
	KindDelegation        Kind = "delegation"
	KindPolicy            Kind = "policy"
)

// Error is a taxonomized, wrapped error.
type Error struct {
	Kind      Kind
	Message   string
	Retriable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a non-retriable Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WrapRetriable builds a retriable Error of the given kind wrapping cause.
func WrapRetriable(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause, Retriable: true}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retriable reports whether err is a retriable *Error.
func Retriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}
