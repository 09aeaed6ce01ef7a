// Package errors provides the structured error type used across the
// integration core. Errors carry the operation and component they occurred
// in, a kind that callers use to decide on retry, and a retryability flag.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can distinguish business failures
// (never retried automatically) from system failures (candidates for retry).
type Kind string

const (
	KindValidation Kind = "validation"
	KindBusiness   Kind = "business"
	KindConflict   Kind = "conflict"
	KindStorage    Kind = "storage"
	KindTimeout    Kind = "timeout"
	KindNotFound   Kind = "not_found"
	KindSystem     Kind = "system"
)

// ErrorCode identifies the failure class on the wire and in logs.
type ErrorCode string

const (
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeConnectorFailure  ErrorCode = "CONNECTOR_FAILURE"
	ErrCodeHandlerFailure    ErrorCode = "HANDLER_FAILURE"
	ErrCodeNoHandler         ErrorCode = "NO_HANDLER"
	ErrCodeVersionMismatch   ErrorCode = "VERSION_MISMATCH"
)

// Op names the operation during which an error occurred, e.g. "bus.Publish".
type Op string

const (
	OpAppend          Op = "append"
	OpLoad            Op = "load"
	OpPublish         Op = "publish"
	OpDispatch        Op = "dispatch"
	OpReplay          Op = "replay"
	OpCommand         Op = "command"
	OpQuery           Op = "query"
	OpSave            Op = "save"
	OpSync            Op = "sync"
	OpConflictResolve Op = "conflict_resolve"
	OpClose           Op = "close"
)

// Component names the subsystem that produced an error.
type Component string

// Error is the structured error for the integration core.
type Error struct {
	// Op is the operation during which the error occurred.
	Op Op

	// Component that generated the error (e.g. "eventstore", "bus").
	Component Component

	// Kind classifies the failure for retry decisions.
	Kind Kind

	// Code is a stable machine-readable identifier.
	Code ErrorCode

	// Retryable marks errors the caller may retry.
	Retryable bool

	// Metadata carries additional context for logs.
	Metadata map[string]any

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// retryableArg overrides the kind-derived retryability inside E.
type retryableArg bool

// Retryable marks an error built by E as retryable or not, regardless of kind.
func Retryable(v bool) any { return retryableArg(v) }

// E builds an *Error from its arguments. Arguments may appear in any order;
// later values of the same type overwrite earlier ones. A plain error becomes
// the cause, a string becomes a wrapped cause.
func E(args ...any) *Error {
	e := &Error{}
	var retrySet bool
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case retryableArg:
			e.Retryable = bool(a)
			retrySet = true
		case *Error:
			e.Err = a
		case error:
			e.Err = a
		case string:
			e.Err = errors.New(a)
		case map[string]any:
			e.Metadata = a
		}
	}
	if e.Kind == "" {
		e.Kind = KindSystem
	}
	if !retrySet {
		e.Retryable = kindRetryable(e.Kind)
	}
	return e
}

func kindRetryable(k Kind) bool {
	switch k {
	case KindStorage, KindTimeout, KindSystem:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err (or any error it wraps) is a retryable
// *Error. Plain errors are not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf returns the kind of err, or KindSystem for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSystem
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeOf returns the error code of err, or the empty code for plain errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// New creates an *Error for op wrapping err.
func New(op Op, err error) *Error {
	return E(op, err)
}

// NewWithComponent creates an *Error carrying component context.
func NewWithComponent(op Op, component Component, err error) *Error {
	return E(op, component, err)
}

// NewStorageError marks a durability failure. Always surfaced, retryable.
func NewStorageError(op Op, cause error) *Error {
	return E(op, KindStorage, ErrCodeStorageFailure, Component("store"), cause)
}

// NewValidationError marks input that failed validation. Never retried.
func NewValidationError(op Op, cause error) *Error {
	return E(op, KindValidation, ErrCodeValidationFailure, cause)
}

// NewConflictError marks a version or resolution conflict. Never auto-retried.
func NewConflictError(op Op, cause error) *Error {
	return E(op, KindConflict, ErrCodeConflictFailure, cause)
}

// NewBusinessError marks a domain-rule violation, distinguished from system
// errors so callers can decide whether a retry can ever succeed.
func NewBusinessError(op Op, cause error) *Error {
	return E(op, KindBusiness, cause)
}
