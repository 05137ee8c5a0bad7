// Package apperr defines the error taxonomy from spec §7 and its mapping
// onto HTTP status codes at the Control Surface.
package apperr

import (
	"fmt"
	"net/http"
)

// Kind identifies a category of error in the taxonomy.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindArchived   Kind = "archived"
	KindRateLimited Kind = "rate_limited"
	KindQueueFull  Kind = "queue_full"
	KindConflict   Kind = "conflict"
	KindExecution  Kind = "execution_error"
	KindIntegrity  Kind = "integrity"
	KindTransport  Kind = "transport"
	KindInternal   Kind = "internal"
)

// ExecutionSubKind classifies an ExecutionError (spec §7).
type ExecutionSubKind string

const (
	ExecTimeout           ExecutionSubKind = "timeout"
	ExecMemoryLimit       ExecutionSubKind = "memory_limit"
	ExecCompilationError  ExecutionSubKind = "compilation_error"
	ExecRuntimeError      ExecutionSubKind = "runtime_error"
	ExecSystemError       ExecutionSubKind = "system_error"
)

// Error is the typed error carried through the service. It is never
// presented to clients with internal detail attached: the Control Surface
// renders only Kind-derived, client-safe messages for Internal errors.
type Error struct {
	Kind    Kind
	Message string
	ExecSub ExecutionSubKind
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, preserving cause for logging
// while keeping Message as the client-safe text.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// NewExecution builds an ExecutionError with a structured sub-kind (a
// supplemented elaboration of spec §7's ExecutionError taxonomy).
func NewExecution(sub ExecutionSubKind, message string) *Error {
	return &Error{Kind: KindExecution, Message: message, ExecSub: sub}
}

// HTTPStatus maps a Kind onto the status codes enumerated in spec §6.1/§7.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindArchived:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindQueueFull:
		return http.StatusServiceUnavailable
	case KindConflict:
		return http.StatusConflict
	case KindIntegrity, KindTransport:
		// Never surfaced directly as an HTTP failure per §7; present only if
		// misused as such.
		return http.StatusInternalServerError
	case KindExecution:
		// ExecutionErrors are never propagated as HTTP failures (§7); this
		// exists only so the type satisfies the same interface.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// As attempts to recover an *Error from err.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}
