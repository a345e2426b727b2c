package types

// ============================================================================
// Error Taxonomy
// Responsibilities:
// 1. Classify failures into terminal / transient / circuit-open kinds
// 2. Carry the kind alongside the wrapped cause so retry policy can branch
// ============================================================================

import (
	"context"
	"errors"
)

// ErrorKind classifies a failure for retry-policy decisions.
type ErrorKind string

const (
	KindNetwork            ErrorKind = "network"
	KindTimeout            ErrorKind = "timeout"
	KindThrottling         ErrorKind = "throttling"
	KindConnection         ErrorKind = "connection"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindValidation         ErrorKind = "validation"
	KindNotFound           ErrorKind = "not_found"
	KindLockHeld           ErrorKind = "lock_held"
	KindCircuitOpen        ErrorKind = "circuit_open"
	KindInternal           ErrorKind = "internal"
)

// KindError wraps an error with its classified kind.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind tags err with a kind. Returns nil for a nil err.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Classify returns the kind of err. Untagged errors default to internal,
// except context deadline/cancellation which count as timeouts.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable kinds form the built-in transient set used when a retry policy
// does not name its own list.
var retryableKinds = map[ErrorKind]bool{
	KindNetwork:            true,
	KindTimeout:            true,
	KindThrottling:         true,
	KindConnection:         true,
	KindServiceUnavailable: true,
}

// IsRetryableKind reports whether kind belongs to the built-in transient set.
func IsRetryableKind(kind ErrorKind) bool {
	return retryableKinds[kind]
}
