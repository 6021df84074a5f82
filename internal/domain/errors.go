package domain

import "errors"

// Sentinel errors for gateway error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Validation errors
	ErrInvalidInput = errors.New("message is required")

	// Worker availability errors
	ErrNotReady     = errors.New("worker is not ready")
	ErrWorkerExited = errors.New("worker process exited")
	ErrTimeout      = errors.New("worker reply timed out")
	ErrUnavailable  = errors.New("worker temporarily unavailable")

	// Worker protocol errors
	ErrReplyTooLarge = errors.New("worker reply exceeds line limit")

	// Supervisor lifecycle errors
	ErrAlreadyStarted = errors.New("worker already started")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry after client-side backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrWorkerExited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrInvalidInput,
	ErrEmptyID,
	ErrInvalidID,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
