package job

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the backend
	ErrJobNotFound = errors.New("job not found")

	// ErrNotClaimant is returned when a worker reports completion or failure
	// for a job it does not currently hold the claim on
	ErrNotClaimant = errors.New("job not claimed by this worker")

	// ErrWorkerNotFound is returned when a heartbeat targets an unknown worker id
	ErrWorkerNotFound = errors.New("worker not registered")

	// ErrNoProcessor is returned when no processor is registered for a job type
	ErrNoProcessor = errors.New("no processor registered for job type")
)

// TransientError wraps failures that should trigger a requeue
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks an error as retryable
func Transient(err error) error {
	return &TransientError{Err: err}
}

// PermanentError wraps failures that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as non-retryable
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsRetryable classifies a processor error. Only errors explicitly marked
// transient are requeued; unclassified errors are treated as permanent.
func IsRetryable(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return false
}
