// Package gwerr defines the structured error type shared by every gateway
// component and the closed error-kind taxonomy every capability surfaces.
package gwerr

import (
	"errors"
	"fmt"
)

// Code is the closed set of error kinds a capability or component may
// surface. Every capability-level error is one of these.
type Code string

const (
	Auth           Code = "auth"
	Config         Code = "config"
	Network        Code = "network"
	Protocol       Code = "protocol"
	RateLimit      Code = "rate_limit"
	NotReady       Code = "not_ready"
	InvalidInput   Code = "invalid_input"
	PluginPanicked Code = "plugin_panicked"
	Internal       Code = "internal"
)

// Error is the gateway's structured error. Op names the operation that
// failed, Code classifies it for retry/surface policy, Err is the wrapped
// cause (if any), and Details carries sanitized diagnostic context.
type Error struct {
	Op      string
	Code    Code
	Err     error
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Op, e.Message, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (code: %s)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("%s: unclassified error (code: %s)", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a bare Error.
func New(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// Newf creates an Error with a formatted message.
func Newf(op string, code Code, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches sanitized diagnostic context and returns the receiver.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Wrap re-wraps err under op, preserving an existing *Error's code instead
// of flattening it to Internal.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		wrapped := *ge
		wrapped.Op = op
		return &wrapped
	}
	return New(op, Internal, err)
}

// As extracts an *Error from err, or nil if err is not (or does not wrap) one.
func As(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return nil
}

// IsCode reports whether err is a gwerr.Error carrying the given code.
func IsCode(err error, code Code) bool {
	ge := As(err)
	return ge != nil && ge.Code == code
}

// IsRetryable reports whether the error's kind is transient per the §7
// propagation policy (Network and RateLimit retry; everything else does not).
func IsRetryable(err error) bool {
	ge := As(err)
	if ge == nil {
		return false
	}
	switch ge.Code {
	case Network, RateLimit:
		return true
	default:
		return false
	}
}
