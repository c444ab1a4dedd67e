package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Operation names used in errors and logs.
const (
	OpSubmit  = "submit job"
	OpStatus  = "fetch job status"
	OpResult  = "fetch job result"
	OpHistory = "fetch job history"
)

// Error describes a failed backend call.
//
// The backend has no error-code taxonomy; a non-2xx response is reported with
// its raw body text and client and server faults are not distinguished here.
type Error struct {
	// Op is the logical operation (e.g. "fetch job status").
	Op string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Body is the raw response text for non-2xx responses.
	Body string

	// Err is the underlying transport or decode error, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err == nil:
		return fmt.Sprintf("failed to %s: %s", e.Op, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("failed to %s", e.Op)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying later could plausibly succeed: transport
// failures, timeouts, throttling and 5xx responses.
func (e *Error) Temporary() bool {
	if e.Err != nil && e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	if e.Err != nil {
		// Response arrived but could not be decoded.
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// SubmissionError is returned by Submit. It carries the raw response text so
// the caller can show it next to the submitted sequence.
type SubmissionError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to %s: %v", OpSubmit, e.Err)
	}
	return fmt.Sprintf("failed to %s: %s", OpSubmit, e.Body)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a gateway error worth retrying later.
func IsTemporary(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Temporary()
	}
	return false
}
