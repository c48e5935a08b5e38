package transport

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned without touching the network while an
// endpoint group's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// NetworkError is a connection-level failure (dial, reset, timeout).
// Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthenticationError means credentials are missing, expired, or were
// rejected after a refresh attempt. Never retried blindly.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Message
}

// ValidationError is a rejected payload (4xx other than auth). Never
// retried; surfaced to the operator.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (HTTP %d): %s", e.Status, e.Message)
}

// ServerError is a 5xx (or 429) response. Retryable only for a
// whitelisted subset of status codes.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Message)
}

// transientStatus lists server statuses worth retrying.
var transientStatus = map[int]bool{
	429: true,
	502: true,
	503: true,
	504: true,
}

// Retryable reports whether a failed call may succeed on a later attempt.
func Retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return transientStatus[srvErr.Status]
	}
	return false
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
