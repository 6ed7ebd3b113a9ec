package admission

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrRateLimited      = errors.New("admission: rate limit exceeded")
	ErrBudgetExceeded   = errors.New("admission: budget exceeded")
	ErrUnknownAccount   = errors.New("admission: unknown account")
	ErrUnknownClass     = errors.New("admission: unknown request class")
	ErrInvalidCost      = errors.New("admission: invalid estimated cost")
	ErrStoreUnavailable = errors.New("admission: counter store unavailable")
	ErrCircuitOpen      = errors.New("admission: store circuit open")
)

// StoreError wraps an infrastructure failure with the operation that hit it.
type StoreError struct {
	Op  string // "acquire", "charge", "resolve"
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("admission: store op=%s key=%s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStoreUnavailable) match any StoreError.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// IsConfigurationError returns true if the error points at a configuration bug
// rather than an expected denial.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrUnknownAccount) ||
		errors.Is(err, ErrUnknownClass) ||
		errors.Is(err, ErrInvalidCost)
}

// IsRecoverable returns true if the caller may retry the same request later
// within the current period.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
