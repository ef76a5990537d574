package renderq

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrStoreUnavailable = errors.New("renderq: broker store unavailable")

	// Not found errors.
	ErrJobNotFound = errors.New("renderq: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("renderq: job already exists")

	// Submission errors.
	ErrInvalidInput = errors.New("renderq: invalid input")

	// Result errors.
	ErrResultNotReady = errors.New("renderq: result not ready")

	// State errors.
	ErrInvalidTransition = errors.New("renderq: invalid state transition")
)

// JobFailedError is returned when a result is requested for a job that
// reached the failed state. It carries the captured error info so callers
// see the cause without any internal stack detail.
type JobFailedError struct {
	JobID  string
	Cause  string
	Detail string
}

// Error implements the error interface.
func (e *JobFailedError) Error() string {
	return fmt.Sprintf("renderq: job %s failed: %s: %s", e.JobID, e.Cause, e.Detail)
}
