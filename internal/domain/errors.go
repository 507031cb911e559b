package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job cannot be found, or cannot be correlated with a notification
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists is returned when creating a job whose request_id is taken
	ErrAlreadyExists = errors.New("job already exists")

	// ErrValidation marks malformed messages and notifications; never retried
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a state change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrNotAwaitingCallback is returned when a notification arrives before the dispatch was accepted
	ErrNotAwaitingCallback = errors.New("job is not awaiting a vendor callback")

	// ErrUnknownVendor is returned for a vendor name outside VendorKind
	ErrUnknownVendor = errors.New("unknown vendor")

	// ErrStaleJobState is returned when a message is ahead of the persisted job state
	ErrStaleJobState = errors.New("job state is behind dispatch message")
)

// NewValidationError wraps a formatted message with ErrValidation
func NewValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// VendorCallError is a failed outbound vendor call: transport error, timeout or non-2xx status
type VendorCallError struct {
	Vendor     VendorKind
	StatusCode int
	Err        error
}

func (e *VendorCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s vendor call failed with HTTP %d: %v", e.Vendor, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s vendor call failed: %v", e.Vendor, e.Err)
}

func (e *VendorCallError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a JobStore or queue failure. The message that caused it must be redelivered.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError creates a new persistence error
func NewPersistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is, or wraps, a PersistenceError
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsVendorCall reports whether err is, or wraps, a VendorCallError
func IsVendorCall(err error) bool {
	var ve *VendorCallError
	return errors.As(err, &ve)
}
