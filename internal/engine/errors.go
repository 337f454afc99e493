package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes analyzer failures for logs and job error messages.
type ErrorClass string

const (
	// ErrorClassAuth indicates the analyzer rejected our credentials (401, 403).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates the analyzer is throttling us (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates the job deadline or a transport timeout.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassInvalidResponse indicates a document that failed schema validation.
	ErrorClassInvalidResponse ErrorClass = "INVALID_RESPONSE"

	// ErrorClassUnavailable indicates a 5xx answer or a refused connection.
	ErrorClassUnavailable ErrorClass = "UNAVAILABLE"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError inspects an analyzer error and returns the most specific
// ErrorClass that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrorClassInvalidResponse
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "status 5") ||
		strings.Contains(msg, "unavailable") {
		return ErrorClassUnavailable
	}

	return ErrorClassUnknown
}
