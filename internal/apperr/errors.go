// Package apperr defines the error taxonomy shared by the dispatch engine.
// Every failure a caller can see carries one of the codes below.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine readable error identifier.
type Code string

const (
	CodeInvalidPayload     Code = "invalid_payload"
	CodeNotFound           Code = "not_found"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeConflict           Code = "conflict"
	CodeNotTargetDriver    Code = "not_target_driver"
	CodeLocationRequired   Code = "location_required"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeGuestNameRequired  Code = "guest_name_required"
	CodeGuestPhoneRequired Code = "guest_phone_required"
	CodePaymentFailed      Code = "payment_failed"
	CodeInternal           Code = "internal"
)

// Error is the concrete error type returned by the engine.
// From and To are only set for invalid_transition.
type Error struct {
	Code    Code
	Message string
	From    string
	To      string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.From != "" || e.To != "" {
		msg += fmt.Sprintf(" (from=%s to=%s)", e.From, e.To)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so callers can compare against the sentinels below.
// A not_target_driver error also matches conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Code == t.Code {
		return true
	}
	return e.Code == CodeNotTargetDriver && t.Code == CodeConflict
}

var (
	ErrInvalidPayload     = &Error{Code: CodeInvalidPayload}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
	ErrConflict           = &Error{Code: CodeConflict}
	ErrNotTargetDriver    = &Error{Code: CodeNotTargetDriver}
	ErrLocationRequired   = &Error{Code: CodeLocationRequired}
	ErrStorageUnavailable = &Error{Code: CodeStorageUnavailable}
	ErrGuestNameRequired  = &Error{Code: CodeGuestNameRequired}
	ErrGuestPhoneRequired = &Error{Code: CodeGuestPhoneRequired}
	ErrPaymentFailed      = &Error{Code: CodePaymentFailed}
)

func New(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func InvalidPayload(msg string) *Error { return New(CodeInvalidPayload, msg) }

func NotFound(kind, id string) *Error {
	return Newf(CodeNotFound, "%s %q not found", kind, id)
}

func InvalidTransition(from, to string) *Error {
	return &Error{Code: CodeInvalidTransition, Message: "status change not permitted", From: from, To: to}
}

func Conflict(msg string) *Error { return New(CodeConflict, msg) }

// Storage wraps a durable-store failure. These are logged by the caller and
// never surfaced from a mutating operation.
func Storage(err error, op string) *Error {
	return Wrap(CodeStorageUnavailable, err, op)
}

// CodeOf extracts the code carried by err. Unknown errors map to internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// As returns the *Error inside err, wrapping unknown errors as internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, err, "unexpected failure")
}
