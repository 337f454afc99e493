package shared

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so every boundary maps them the same way.
type ErrorKind string

const (
	// KindValidation marks malformed or missing input (400).
	KindValidation ErrorKind = "VALIDATION"

	// KindUnauthenticated marks a missing or unknown credential (401).
	KindUnauthenticated ErrorKind = "UNAUTHENTICATED"

	// KindForbidden marks a valid caller acting on something it does not own (403).
	KindForbidden ErrorKind = "FORBIDDEN"

	// KindNotFound marks an unknown job, site or record (404).
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindConflict marks a request against the wrong state: used code, job not done (409).
	KindConflict ErrorKind = "CONFLICT"

	// KindInsufficientFunds marks a balance that cannot cover an estimate.
	KindInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"

	// KindRateLimited marks a request rejected by a fixed-window limit (429).
	KindRateLimited ErrorKind = "RATE_LIMITED"

	// KindEngine marks a downstream analysis or remediation failure.
	KindEngine ErrorKind = "ENGINE"

	// KindTransient marks store or blob failures (500).
	KindTransient ErrorKind = "TRANSIENT"
)

// Error is a classified error carrying a stable machine-readable code.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and code, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// With returns a copy of e carrying extra response details.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Wrap returns a copy of e wrapping cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// NewError builds a classified error.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation builds a KindValidation error whose message is the code.
func Validation(code string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: code}
}

// Transient wraps an infrastructure failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Code: "internal_error", Message: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// AsError extracts the classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
