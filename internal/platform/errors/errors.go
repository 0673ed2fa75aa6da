// Package errors carries the service error taxonomy. Every error that crosses a
// package boundary is an *AppError so handlers can map it onto a transport status
// without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	// ErrCodeValidation marks invalid or missing caller input (ValidationError).
	ErrCodeValidation ErrorCode = "VALIDATION"
	// ErrCodeNotFound marks an unknown template, step, instance or status reference.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeConflict marks an action against a terminal instance or a stale pointer (StateError).
	ErrCodeConflict ErrorCode = "STATE_CONFLICT"
	// ErrCodeForbidden marks an actor without the role or relationship required (PermissionError).
	ErrCodeForbidden ErrorCode = "FORBIDDEN"
	// ErrCodeInternal marks storage or transport failures.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Violation is one offending step of a ValidationError.
type Violation struct {
	StepID    string `json:"step_id,omitempty"`
	StepOrder int    `json:"step_order,omitempty"`
	Field     string `json:"field,omitempty"`
	Reason    string `json:"reason"`
}

// AppError is the concrete error type returned by repositories and services.
type AppError struct {
	Code       ErrorCode
	Message    string
	Violations []Violation
	Err        error
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(e.Code)))
	b.WriteString(": ")
	b.WriteString(e.Message)
	for _, v := range e.Violations {
		b.WriteString("; ")
		if v.StepID != "" {
			fmt.Fprintf(&b, "step %s (order %d): ", v.StepID, v.StepOrder)
		} else if v.Field != "" {
			b.WriteString(v.Field)
			b.WriteString(": ")
		}
		b.WriteString(v.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AppError) Unwrap() error { return e.Err }

// Is reports code equality so errors.Is(err, &AppError{Code: ErrCodeConflict}) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New creates an AppError with the given code.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource of the given kind.
func NotFound(kind, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// InvalidInput reports a single invalid request field.
func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    "invalid input",
		Violations: []Violation{{Field: field, Reason: reason}},
	}
}

// Validation aggregates every violation found while checking a request.
func Validation(message string, violations []Violation) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Violations: violations}
}

// State reports a transition the instance's current state does not allow.
func State(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Permission reports an actor lacking the rights for an action.
func Permission(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first AppError in err's chain, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// ViolationsOf returns the violations of a ValidationError, if any.
func ViolationsOf(err error) []Violation {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Violations
	}
	return nil
}

// As and Is re-export the standard helpers so callers need a single import.
func As(err error, target any) bool { return stderrors.As(err, target) }

func Is(err, target error) bool { return stderrors.Is(err, target) }
