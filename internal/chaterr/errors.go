// Package chaterr defines the error taxonomy shared by every FlavoursTalk
// component. All errors here are recoverable: they are surfaced to the caller
// with a stable machine code and enough detail to retry or correct input,
// and none of them should ever crash the process.
package chaterr

import (
	"errors"
	"fmt"
)

// Code identifies an error class for transport layers (HTTP status mapping,
// WebSocket error frames).
type Code string

const (
	CodeValidation   Code = "validation_error"
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"
	CodeInvalidState Code = "invalid_state"
	CodeConflict     Code = "conflict"
	CodeBlocked      Code = "blocked"
)

// Error is a classified, recoverable error. Conflict errors specifically
// signal "safe to retry the whole operation"; all other codes are terminal
// for the attempted operation.
type Error struct {
	Code    Code
	Message string
	Err     error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two chaterr errors by code, so sentinel-style
// comparisons like errors.Is(err, chaterr.Conflict("")) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func Validationf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Unauthorizedf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidStatef(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func Blockedf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeBlocked, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or empty string if err is not
// a classified error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConflict reports whether err is a lost-the-race conflict, i.e. the whole
// operation may be retried from the top.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }
