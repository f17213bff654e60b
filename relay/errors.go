package relay

import (
	"errors"
	"strings"
)

// ErrorCode classifies relay failures for programmatic handling.
type ErrorCode int

const (
	// Server side (100-199)
	ErrCodeListen ErrorCode = iota + 100
	ErrCodeEmulatorLost
	ErrCodeEmulatorWrite
	ErrCodeSocket

	// Mole side (200-299)
	ErrCodeCardUnavailable ErrorCode = iota + 196
	ErrCodeCardLost
	ErrCodeSelectFailed
	ErrCodeNoServer
)

// Error carries the failing operation and its cause.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError builds an Error.
func NewError(code ErrorCode, op, message string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: message, Cause: cause}
}

// Code extracts the ErrorCode of err, or 0 when err is not an *Error.
func Code(err error) ErrorCode {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return 0
}

// IsCardLost reports whether err means the victim card left the field.
func IsCardLost(err error) bool {
	return Code(err) == ErrCodeCardLost
}
