// Package apperr holds the error taxonomy shared by the metering, billing
// and HTTP layers. Callers match on the sentinels with errors.Is and pull
// structured detail out with errors.As.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrInvalidInput    = errors.New("invalid input")
	ErrExternal        = errors.New("external service error")
	ErrReconciliation  = errors.New("reconciliation error")
	ErrPersistence     = errors.New("persistence error")
	ErrNotFound        = errors.New("not found")
	ErrNotConfigured   = errors.New("not configured")
)

// ExternalKind classifies a failure reported by a third-party API.
type ExternalKind string

const (
	ExternalAuth           ExternalKind = "auth"
	ExternalRateLimited    ExternalKind = "rate_limited"
	ExternalInvalidRequest ExternalKind = "invalid_request"
	ExternalTransient      ExternalKind = "transient"
)

// ExternalError is returned when a vision/LLM or billing API call fails.
type ExternalError struct {
	Service    string
	Kind       ExternalKind
	StatusCode int
	Err        error
}

func (e *ExternalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Service, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Service, e.Kind, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

func (e *ExternalError) Is(target error) bool { return target == ErrExternal }

// Retryable reports whether repeating the call may succeed.
func (e *ExternalError) Retryable() bool { return e.Kind == ExternalTransient }

// External builds an ExternalError.
func External(service string, kind ExternalKind, status int, err error) *ExternalError {
	return &ExternalError{Service: service, Kind: kind, StatusCode: status, Err: err}
}

// ReconciliationError marks a billing event that cannot be applied.
type ReconciliationError struct {
	EventType string
	Reason    string
}

func (e *ReconciliationError) Error() string {
	if e.EventType == "" {
		return "reconciliation: " + e.Reason
	}
	return fmt.Sprintf("reconciliation of %s: %s", e.EventType, e.Reason)
}

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

// Reconciliation builds a ReconciliationError.
func Reconciliation(eventType, format string, args ...any) *ReconciliationError {
	return &ReconciliationError{EventType: eventType, Reason: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a database failure.
type PersistenceError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Retryable() bool { return e.Transient }

// Persistence wraps err unless it is nil or already classified.
func Persistence(op string, err error, transient bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err, Transient: transient}
}

// InvalidInput wraps a validation message so it matches ErrInvalidInput.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err, or anything it wraps, asks to be retried.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
