package interaction

import (
	"errors"
	"fmt"
)

// Code classifies every error the broker surfaces.
type Code string

const (
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeSessionMismatch Code = "SESSION_MISMATCH"
	CodeTimeout         Code = "TIMEOUT"
	CodeCancelled       Code = "CANCELLED"
	CodeSessionEvicted  Code = "SESSION_EVICTED"
	CodeShutdown        Code = "SHUTDOWN"
	CodeSchema          Code = "SCHEMA"
	CodeReplayDetected  Code = "REPLAY_DETECTED"
	CodeExpired         Code = "EXPIRED"
	CodeRateLimit       Code = "RATE_LIMIT"
	CodeLimitExceeded   Code = "LIMIT_EXCEEDED"
	CodeFrameTooLarge   Code = "FRAME_TOO_LARGE"
	CodeInternal        Code = "INTERNAL"
)

// Error is a typed broker error carrying one of the taxonomy codes.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed error.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or CodeInternal for foreign
// errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
