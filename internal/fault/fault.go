// Package fault defines the tagged error taxonomy shared by the registries,
// the outbox, and the HTTP surface.
//
// Every user-visible failure carries a Kind (which drives the HTTP status
// and CLI exit code) and a stable reason code.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping and retry policy.
type Kind string

const (
	// Validation: malformed input; never retried.
	Validation Kind = "validation"
	// NotFound: addressed object missing.
	NotFound Kind = "not_found"
	// Conflict: the operation contradicts current state, e.g. trigger on a
	// disabled program or a duplicate identity binding.
	Conflict Kind = "conflict"
	// Precondition: a required collaborator is unavailable.
	Precondition Kind = "precondition_failed"
	// Transient: eligible for retry with backoff.
	Transient Kind = "transient"
	// Permanent: terminal; dead-letters instead of retrying.
	Permanent Kind = "permanent"
	// Internal: unexpected failure.
	Internal Kind = "internal"
)

// Error is a classified failure with a stable reason code.
type Error struct {
	Kind       Kind
	ReasonCode string
	Message    string
	Recovery   []string // suggested next commands, rendered by the CLI
	wrapped    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.ReasonCode
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a classified error.
func New(kind Kind, reasonCode, format string, args ...any) *Error {
	return &Error{Kind: kind, ReasonCode: reasonCode, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, reasonCode string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, ReasonCode: reasonCode, Message: err.Error(), wrapped: err}
}

// WithRecovery attaches suggested follow-up commands.
func (e *Error) WithRecovery(cmds ...string) *Error {
	e.Recovery = append(e.Recovery, cmds...)
	return e
}

// KindOf returns the Kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// ReasonOf returns the reason code of err, or "internal_error".
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.ReasonCode
	}
	return "internal_error"
}

// RecoveryOf returns the suggested follow-up commands attached to err.
func RecoveryOf(err error) []string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Recovery
	}
	return nil
}

// IsRetryable reports whether the error should be retried with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}

// ExitCode maps an error to the CLI exit code contract:
// 0 success, 1 generic, 2 validation, 3 not found, 4 precondition failed.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case Validation:
		return 2
	case NotFound:
		return 3
	case Conflict, Precondition:
		return 4
	default:
		return 1
	}
}
