package blessings

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a missing or malformed field.
	ErrValidation = errors.New("blessings: validation failed")
	// ErrNotFound marks a delete against an id the store does not hold.
	ErrNotFound = errors.New("blessings: record not found")
	// ErrStorageUnavailable marks an unreachable or corrupt backing store.
	ErrStorageUnavailable = errors.New("blessings: storage unavailable")
	// ErrLockTimeout marks a mutation that could not acquire the store lock in time. Retryable.
	ErrLockTimeout = fmt.Errorf("%w: lock acquisition timed out", ErrStorageUnavailable)
)

// ServiceError carries a machine-readable code in the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Unavailable wraps a backend failure so callers can match ErrStorageUnavailable.
func Unavailable(context string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, context)
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, context, cause)
}

// IsRetryable reports whether the failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	default:
		return "storage_unavailable"
	}
}
