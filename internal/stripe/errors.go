package stripe

import (
	"errors"
	"fmt"
)

// ProcError classifies a processing failure. Permanent failures are
// recorded and acknowledged so the provider stops retrying; transient
// failures are surfaced as 503 so the provider redelivers.
type ProcError struct {
	Transient bool
	Err       error
}

func (e *ProcError) Error() string { return e.Err.Error() }
func (e *ProcError) Unwrap() error { return e.Err }

// Permanent marks a failure that redelivery cannot fix (malformed payload,
// unknown price, missing metadata).
func Permanent(format string, args ...any) error {
	return &ProcError{Err: fmt.Errorf(format, args...)}
}

// Transient marks a failure worth retrying (dependency outage, record not
// yet arrived).
func Transient(format string, args ...any) error {
	return &ProcError{Transient: true, Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err should trigger provider redelivery.
// Unclassified errors (database failures and the like) count as transient.
func IsTransient(err error) bool {
	var pe *ProcError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}
