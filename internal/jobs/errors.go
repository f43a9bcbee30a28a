package jobs

import "errors"

var (
	// ErrNotFound covers both a missing job and a job owned by another user,
	// so the API cannot be used to enumerate other users' job ids.
	ErrNotFound = errors.New("job not found")
	// ErrNotPending is returned when StartJob races another worker; the caller
	// must treat the job as already in progress, not retry.
	ErrNotPending = errors.New("job is not pending")
	// ErrNoTransition means the guarded update matched no row: the job is no
	// longer in the status the transition requires.
	ErrNoTransition = errors.New("job status transition rejected")
	// ErrNotReady is returned for downloads of jobs that have not completed.
	ErrNotReady = errors.New("file is not ready for download")
	// ErrExpired is returned for downloads past the retention deadline.
	ErrExpired = errors.New("download has expired")
	// ErrNotRetryable is returned when a failed job has exhausted its retry
	// budget or has expired.
	ErrNotRetryable = errors.New("job cannot be retried")
)

// ValidationError rejects an upload before any job row or quota reservation
// exists.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
