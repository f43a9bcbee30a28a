// Package model contains the row structs shared by repositories, the job
// manager, and the HTTP layer.
package model

import (
	"time"
)

// JobStatus describes the compression lifecycle. Transitions are totally
// ordered: pending < processing < {completed|failed} < expired. Repositories
// enforce the order with guarded updates; nothing moves backwards.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusExpired    JobStatus = "expired"
)

// Terminal reports whether the status admits no further processing work.
// Expiry is still reachable from a terminal status.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Job is one compression request. ProcessedFilename and ProcessedSize are set
// iff Status == StatusCompleted. ExpiresAt is fixed at creation.
type Job struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	OriginalFilename  string     `json:"original_filename"`
	ProcessedFilename *string    `json:"processed_filename,omitempty"`
	OriginalSize      int64      `json:"original_size"`
	ProcessedSize     *int64     `json:"processed_size,omitempty"`
	CompressionRatio  *float64   `json:"compression_ratio,omitempty"`
	QualityPreset     string     `json:"quality_preset"`
	Status            JobStatus  `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	RetryCount        int        `json:"retry_count"`
	// Object-store keys are never exposed through the API.
	UploadKey    string `json:"-"`
	ProcessedKey string `json:"-"`
	Dismissed    bool   `json:"-"`
}

// IsExpired reports whether the job is past its storage deadline.
func (j *Job) IsExpired(now time.Time) bool {
	return now.After(j.ExpiresAt)
}

// TimeRemaining returns the time left before expiry, zero once overdue.
func (j *Job) TimeRemaining(now time.Time) time.Duration {
	if j.IsExpired(now) {
		return 0
	}
	return j.ExpiresAt.Sub(now)
}

// Progress estimates completion percent for status polling. Processing jobs
// ramp toward 95 based on elapsed time against an assumed 150s average run,
// mirroring what the polling UI expects.
func (j *Job) Progress(now time.Time) int {
	switch j.Status {
	case StatusCompleted:
		return 100
	case StatusProcessing:
		if j.StartedAt == nil {
			return 5
		}
		const estimatedTotal = 150.0
		elapsed := now.Sub(*j.StartedAt).Seconds()
		p := int(elapsed / estimatedTotal * 100)
		if p > 95 {
			p = 95
		}
		if p < 5 {
			p = 5
		}
		return p
	default:
		return 0
	}
}
