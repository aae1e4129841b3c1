package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrKind classifies provider failures so retry and abort decisions are
// made over a value, not over string matching.
type ErrKind int

const (
	// ErrKindTransient covers momentary unavailability (5xx, connection
	// resets). Safe to retry before any tokens have flowed.
	ErrKindTransient ErrKind = iota
	// ErrKindThrottled is rate limiting. Retried with backoff before the
	// first token, fatal after.
	ErrKindThrottled
	// ErrKindAuth is a credential failure. Fatal, never retried.
	ErrKindAuth
	// ErrKindBadRequest indicates a malformed request for this model
	// family. Fatal, never retried.
	ErrKindBadRequest
)

// Error is a classified provider failure.
type Error struct {
	Kind    ErrKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s (status=%d)", e.Message, e.Status)
}

// Retryable reports whether the connection attempt may be retried.
func (e *Error) Retryable() bool {
	return e.Kind == ErrKindTransient || e.Kind == ErrKindThrottled
}

// classifyStatus maps an HTTP status on stream open to an error kind.
func classifyStatus(status int, message string) *Error {
	kind := ErrKindTransient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrKindAuth
	case status == http.StatusTooManyRequests:
		kind = ErrKindThrottled
	case status >= 400 && status < 500:
		kind = ErrKindBadRequest
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// Retryable reports whether err is a provider error that may be retried
// on connect.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	// Transport-level failures (no HTTP response) count as transient.
	return err != nil
}

// KindOf extracts the classification, defaulting to transient for
// plain transport errors.
func KindOf(err error) ErrKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindTransient
}
