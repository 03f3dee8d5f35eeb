package common

import (
	"errors"
	"fmt"
)

// Code is a stable error code carried in error responses. Codes are part of
// the protocol contract and must remain stable across versions.
type Code string

const (
	// Protocol errors
	CodeUnsupportedProtocol Code = "UNSUPPORTED_PROTOCOL"
	CodeBadRequest          Code = "BAD_REQUEST"

	// Authentication errors
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeAuthFailed   Code = "AUTH_FAILED"

	// Resource errors
	CodeNotFound             Code = "NOT_FOUND"
	CodeMachineNotFound      Code = "MACHINE_NOT_FOUND"
	CodeMachineVersionExists Code = "MACHINE_VERSION_EXISTS"
	CodeInstanceNotFound     Code = "INSTANCE_NOT_FOUND"
	CodeInstanceExists       Code = "INSTANCE_EXISTS"

	// State machine errors
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeGuardFailed       Code = "GUARD_FAILED"
	CodeConflict          Code = "CONFLICT"

	// System errors
	CodeWalIoError    Code = "WAL_IO_ERROR"
	CodeInternalError Code = "INTERNAL_ERROR"
	CodeRateLimited   Code = "RATE_LIMITED"
)

// Retryable reports whether a client may retry the failed request. The
// mapping is fixed per code.
func (c Code) Retryable() bool {
	switch c {
	case CodeWalIoError, CodeRateLimited, CodeInternalError:
		return true
	default:
		return false
	}
}

// Error is a typed error carrying a stable code for the wire.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a typed error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a typed error with a formatted message.
func NewErrorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a typed error around an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from an error chain, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return CodeInternalError
}

// MessageOf extracts the human-readable message from an error chain.
func MessageOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Cause != nil {
			return fmt.Sprintf("%s: %v", typed.Message, typed.Cause)
		}
		return typed.Message
	}
	return err.Error()
}

// IsCode reports whether an error chain carries the given code.
func IsCode(err error, code Code) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Code == code
}
