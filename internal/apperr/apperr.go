// Package apperr defines the error kinds shared by every ralph component.
// Each error carries a stable machine-readable code plus a human message,
// so callers (CLI, HTTP) can branch on the kind without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeStateConflict   Code = "STATE_CONFLICT"
	CodeExternalProcess Code = "EXTERNAL_PROCESS_FAILURE"
	CodeRemediation     Code = "REMEDIATION_FAILURE"
)

// Error is a typed error with a stable code.
type Error struct {
	Code    Code
	Message string
	Err     error // Underlying cause, may be nil.
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func StateConflict(format string, args ...any) *Error {
	return New(CodeStateConflict, format, args...)
}

func ExternalProcess(err error, format string, args ...any) *Error {
	return Wrap(CodeExternalProcess, err, format, args...)
}

func Remediation(err error, format string, args ...any) *Error {
	return Wrap(CodeRemediation, err, format, args...)
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
