package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("fax job not found")

	// ErrJobNotClaimable is returned when a job cannot be moved out of QUEUED,
	// either because another worker claimed it first or it was canceled
	ErrJobNotClaimable = errors.New("fax job not claimable or not in QUEUED status")

	// ErrJobLeased is returned when a job id already has an in-flight operation
	ErrJobLeased = errors.New("fax job already leased by another worker")

	// ErrJobConflict is returned when a guarded status write finds the job has
	// left the expected state, typically because it was canceled in the meantime
	ErrJobConflict = errors.New("fax job state changed by another actor")

	// ErrAttemptsExhausted is returned when a job has no submission attempts left
	ErrAttemptsExhausted = errors.New("max submission attempts exhausted")
)

// RetryableError wraps infrastructure failures (store unreachable, queue
// hiccups) where re-delivering the message is the right recovery. The job
// itself is untouched; only the current operation aborts.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as a requeue-worthy infrastructure failure
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// EncodingError marks a document that cannot be turned into a transmission
// payload (unreadable, corrupt, or oversized). It is fatal: the job fails
// without consuming a submission attempt.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return "encoding error: " + e.Err.Error()
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// NewEncodingError wraps err as a fatal encoding failure
func NewEncodingError(err error) error {
	return &EncodingError{Err: err}
}
