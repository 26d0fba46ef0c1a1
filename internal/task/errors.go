package task

import (
	"errors"
	"fmt"
	"time"
)

// ErrKind classifies a failure the way the API and webhook payloads
// surface it. Kinds are stable identifiers, not messages.
type ErrKind string

// Error kinds surfaced uniformly across the service.
const (
	KindInvalidInput         ErrKind = "invalid-input"
	KindSSRFDetected         ErrKind = "ssrf-detected"
	KindUnauthorized         ErrKind = "unauthorized"
	KindNotFound             ErrKind = "not-found"
	KindRateLimitExceeded    ErrKind = "rate-limit-exceeded"
	KindConcurrencyExhausted ErrKind = "concurrency-exhausted"
	KindEngineTransient      ErrKind = "engine-transient"
	KindEngineTerminal       ErrKind = "engine-terminal"
	KindAllEnginesFailed     ErrKind = "all-engines-failed"
	KindInsufficientEngines  ErrKind = "insufficient-engines"
	KindLostLease            ErrKind = "lost-lease"
	KindCancelled            ErrKind = "cancelled"
	KindExpired              ErrKind = "expired"
	KindInternal             ErrKind = "internal"
)

// Error is the uniform failure value passed between subsystems.
type Error struct {
	Kind       ErrKind
	Message    string
	RetryAfter time.Duration
	cause      error
}

// E builds an Error of the given kind.
func E(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindEngineTransient, KindAllEnginesFailed, KindInternal:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) ErrKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// APICode maps an error kind to the wire-level error_code token.
func (k ErrKind) APICode() string {
	switch k {
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindSSRFDetected:
		return "SSRF_DETECTED"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindRateLimitExceeded:
		return "RATE_LIMIT_EXCEEDED"
	case KindConcurrencyExhausted:
		return "CONCURRENCY_EXHAUSTED"
	case KindEngineTransient:
		return "ENGINE_TRANSIENT"
	case KindEngineTerminal:
		return "ENGINE_TERMINAL"
	case KindAllEnginesFailed:
		return "ALL_ENGINES_FAILED"
	case KindInsufficientEngines:
		return "INSUFFICIENT_ENGINES"
	case KindLostLease:
		return "LOST_LEASE"
	case KindCancelled:
		return "CANCELLED"
	case KindExpired:
		return "EXPIRED"
	default:
		return "INTERNAL_ERROR"
	}
}

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound is returned when a task, crawl or event id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrLostLease is returned when a worker acts on a lease it no longer holds.
	ErrLostLease = errors.New("lost lease")
	// ErrTerminal is returned on writes to a task already in a terminal state.
	ErrTerminal = errors.New("task is terminal")
)
