package pixelation

import (
	"errors"
	"fmt"
)

// ValidationError rejects an input before any decode work happens
// (unsupported type, oversized file). Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// TransientError covers failures the retry controller is allowed to absorb:
// surface acquisition, per-level timeouts, and empty encoder output.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// UnrecoverableError is terminal: retries are exhausted or no valid
// regeneration source exists. The owning image must be excluded from the
// working set for the session.
type UnrecoverableError struct {
	Attempts int
	Err      error
}

func (e *UnrecoverableError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("level generation failed after %d attempts plus final low-quality attempt: %v", e.Attempts, e.Err)
	}
	return e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

func transientf(op, format string, args ...any) error {
	return &TransientError{Op: op, Err: fmt.Errorf(format, args...)}
}

// IsValidation reports whether err is an input rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err may succeed on a retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsUnrecoverable reports whether err is terminal for the affected image.
func IsUnrecoverable(err error) bool {
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}
