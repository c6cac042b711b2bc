package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for the fixed response classes. Callers branch on these
// with errors.Is to decide retry and UI messaging.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrForbidden              = errors.New("forbidden")
	ErrNotFound               = errors.New("not found")
	ErrRateLimited            = errors.New("rate limited")
)

// StatusError reports an HTTP status outside the fixed classes. Server
// errors (5xx) and other unexpected statuses share the type; the code
// distinguishes them.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	if e.Code >= 500 && e.Code <= 599 {
		return fmt.Sprintf("server error (status %d)", e.Code)
	}
	return fmt.Sprintf("http error (status %d)", e.Code)
}

// TransportError wraps a failure to obtain any HTTP response at all.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError wraps a malformed success payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
