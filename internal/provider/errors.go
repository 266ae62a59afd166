// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes client errors for handling decisions.
type ErrorType int

const (
	// ErrorTypeUnknown is an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnection indicates the provider endpoint is unreachable.
	ErrorTypeConnection
	// ErrorTypeTimeout indicates a request or read deadline expired.
	ErrorTypeTimeout
	// ErrorTypeAuth indicates the provider rejected our credential (401/403).
	ErrorTypeAuth
	// ErrorTypeRateLimit indicates the provider throttled us (429).
	ErrorTypeRateLimit
	// ErrorTypeProtocol indicates the provider sent a payload we could not parse.
	ErrorTypeProtocol
	// ErrorTypeEmptyStream indicates the stream ended without producing any text.
	ErrorTypeEmptyStream
	// ErrorTypeCanceled indicates the caller canceled the request.
	ErrorTypeCanceled
)

// String returns a human-readable error type name.
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeProtocol:
		return "protocol"
	case ErrorTypeEmptyStream:
		return "empty_stream"
	case ErrorTypeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ClientError is a structured error with type information.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	return e.Cause
}

// NewError creates a ClientError.
func NewError(errType ErrorType, message string, cause error) *ClientError {
	return &ClientError{Type: errType, Message: message, Cause: cause}
}

// Sentinel errors for common failure conditions.
var (
	// ErrAuthFailed indicates the provider rejected the request credential.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrAuthUnavailable indicates a session credential could not be acquired.
	ErrAuthUnavailable = errors.New("authentication unavailable")
	// ErrRateLimited indicates the provider returned 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrEmptyStream indicates a stream completed without any content.
	ErrEmptyStream = errors.New("no response from provider")
	// ErrModelNotFound indicates the requested model is unknown to the provider.
	ErrModelNotFound = errors.New("model not found")
	// ErrToolLoopExceeded indicates the tool-call continuation cap was hit.
	ErrToolLoopExceeded = errors.New("tool call loop exceeded")
)

// Classify maps an arbitrary error onto an ErrorType. Wrapped ClientErrors
// keep their own type.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrAuthUnavailable):
		return ErrorTypeAuth
	case errors.Is(err, ErrRateLimited):
		return ErrorTypeRateLimit
	case errors.Is(err, ErrEmptyStream):
		return ErrorTypeEmptyStream
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnection
	}
	return ErrorTypeUnknown
}

// StatusError converts a non-2xx HTTP response status into a sentinel-wrapped
// error so callers can use errors.Is against the taxonomy.
func StatusError(status int, body string) error {
	if len(body) > 200 {
		body = body[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuthFailed, status, body)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrRateLimited, status, body)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", ErrModelNotFound, status)
	default:
		return NewError(ErrorTypeConnection, fmt.Sprintf("unexpected status %d", status), errors.New(body))
	}
}

// Refreshable reports whether an error should trigger a forced session
// credential refresh before the single retry.
func Refreshable(err error) bool {
	t := Classify(err)
	return t == ErrorTypeAuth || t == ErrorTypeRateLimit
}
