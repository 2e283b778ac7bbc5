package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by operations that require a ready session.
	ErrNotReady = errors.New("session not ready")
	// ErrAlreadyInitializing is reported when an initialize attempt is
	// skipped because one is already in flight.
	ErrAlreadyInitializing = errors.New("session already initializing")
	// ErrInitTimeout marks a connect attempt that hit the wall-clock ceiling.
	ErrInitTimeout = errors.New("session connect timed out")
	// ErrInitMaxRetries marks an initialization that exhausted all attempts.
	ErrInitMaxRetries = errors.New("session connect failed after max retries")
)

// FailureKind classifies a send failure.
type FailureKind string

const (
	FailureUnregistered FailureKind = "unregistered_recipient"
	FailureRateLimited  FailureKind = "rate_limited"
	FailureTransport    FailureKind = "transport_failure"
)

// SendError wraps a driver send failure with its classification.
// The original driver error text is preserved for the log entry.
type SendError struct {
	Kind FailureKind
	Err  error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// AsSendError returns the classification of err, defaulting to a transport
// failure for unclassified driver errors.
func AsSendError(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Kind: FailureTransport, Err: err}
}
