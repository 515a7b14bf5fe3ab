package upload

import (
	"fmt"
	"time"
)

// ValidationError reports bad or missing input. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// AuthError reports a missing caller session, or with Backend set, storage
// credentials the backend rejected.
type AuthError struct {
	Reason  string
	Backend bool
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError reports a rejected admission.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "too many requests, please try again later"
}

// QuotaExceededError reports that the daily byte cap would be exceeded.
type QuotaExceededError struct {
	Cap int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily upload quota of %d bytes exceeded", e.Cap)
}

// NotFoundError reports an unknown upload session or stored file.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return e.What + " not found" }

// TransferError reports a failed transfer after the retry policy gave up.
// Status is the last HTTP status seen, zero if none.
type TransferError struct {
	Status    int
	Attempts  int
	Retryable bool
	Err       error
}

func (e *TransferError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("upload failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("upload failed: %v", e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// CancelledError reports that the client cancelled the upload mid-transfer.
type CancelledError struct {
	ID string
}

func (e *CancelledError) Error() string { return "upload cancelled" }

// PersistenceError wraps a failure to store the completion record. It is
// logged, never returned to clients.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist upload record: %v", e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }
