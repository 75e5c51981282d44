package inference

import (
	"errors"
	"fmt"
)

// Kind classifies a failed inference call
type Kind string

const (
	// KindDisabled means no credential is configured; no request was sent.
	KindDisabled Kind = "disabled"
	// KindTransport covers timeouts, connection errors and non-2xx statuses other than 429.
	KindTransport Kind = "transport"
	// KindRateLimited means every attempt ended in HTTP 429.
	KindRateLimited Kind = "rate_limited"
	// KindMalformed means the response envelope or payload had an unexpected shape.
	KindMalformed Kind = "malformed"
)

// DisabledReason is the fixed message for a pipeline without credentials.
const DisabledReason = "AI analysis disabled - no API key configured"

// ErrDisabled is returned without any network attempt when no credential is set.
var ErrDisabled = &Error{Kind: KindDisabled, Err: errors.New(DisabledReason)}

// Error is the tagged failure returned across the inference boundary
type Error struct {
	Kind       Kind
	Attempts   int
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt might succeed
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindRateLimited
}

// Transport wraps a retryable transport failure
func Transport(statusCode int, err error) *Error {
	return &Error{Kind: KindTransport, StatusCode: statusCode, Err: err}
}

// RateLimited wraps an HTTP 429 response
func RateLimited(err error) *Error {
	return &Error{Kind: KindRateLimited, StatusCode: 429, Err: err}
}

// Malformed wraps a response that cannot be interpreted
func Malformed(err error) *Error {
	return &Error{Kind: KindMalformed, Err: err}
}

// KindOf returns the failure kind of err, or "" for untagged errors.
func KindOf(err error) Kind {
	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr.Kind
	}
	return ""
}
