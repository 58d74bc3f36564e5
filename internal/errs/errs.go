// Package errs defines the coded errors returned by warden's lifecycle and
// administrative operations. Access-check denials are not errors; they are
// decision reasons owned by the engine package.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the failure class of an operation.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeInvalidState        Code = "invalid_state"
	CodeValidation          Code = "validation_error"
	CodeSpawnFailed         Code = "process_spawn_error"
	CodeProbeTimeout        Code = "health_check_timeout"
	CodeMaxFailuresExceeded Code = "max_failures_exceeded"
)

// Error is a coded operation failure. The zero Code is invalid; always build
// through the constructors below.
type Error struct {
	Code Code
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reports an absent server, tool, permission or rule.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

// InvalidState reports an operation that is illegal for the current status,
// including operation-already-in-progress rejections.
func InvalidState(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidState, Msg: fmt.Sprintf(format, args...)}
}

// Validation reports a malformed create/update payload.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Msg: fmt.Sprintf(format, args...)}
}

// SpawnFailed wraps a process spawn error.
func SpawnFailed(msg string, err error) *Error {
	return &Error{Code: CodeSpawnFailed, Msg: msg, Err: err}
}

// ProbeTimeout wraps a health probe that exceeded its deadline.
func ProbeTimeout(msg string, err error) *Error {
	return &Error{Code: CodeProbeTimeout, Msg: msg, Err: err}
}

// CodeOf extracts the Code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
