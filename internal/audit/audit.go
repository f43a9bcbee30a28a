// Package audit defines the append-only audit trail. Events carry a typed
// payload per action; unknown or ad-hoc context falls back to a plain map so
// the schema stays forward compatible. Nothing in the core ever reads an
// event back.
package audit

import (
	"context"
	"time"
)

// Action names mirror the audit_logs.action column values.
const (
	ActionFileUpload        = "file_upload"
	ActionProcessingStart   = "processing_start"
	ActionProcessingDone    = "processing_complete"
	ActionProcessingFailed  = "processing_failed"
	ActionFileDownload      = "file_download"
	ActionSessionClear      = "session_clear"
	ActionRateLimitExceeded = "rate_limit_exceeded"
	ActionJobDismissed      = "job_dismissed"
	ActionJobRetry          = "job_retry"
	ActionJobExpired        = "job_expired"
	ActionLogin             = "login_success"
	ActionLoginFailed       = "login_failed"
)

// Details is the tagged union of known event payloads.
type Details interface {
	auditDetails()
}

type UploadDetails struct {
	Filename      string `json:"filename"`
	FileSize      int64  `json:"file_size"`
	QualityPreset string `json:"quality_preset"`
}

type ProcessingStartDetails struct {
	QualityPreset string `json:"quality_preset"`
}

type ProcessingCompleteDetails struct {
	CompressionRatio float64       `json:"compression_ratio"`
	ProcessingTime   time.Duration `json:"processing_time"`
}

type ProcessingFailedDetails struct {
	ErrorMessage string `json:"error_message"`
	RetryCount   int    `json:"retry_count"`
}

type SessionClearDetails struct {
	JobsAffected int `json:"jobs_affected"`
}

type RateLimitDetails struct {
	LimitType string `json:"limit_type"`
}

// Extra is the forward-compatibility fallback for context that has no typed
// payload yet.
type Extra map[string]any

func (UploadDetails) auditDetails()             {}
func (ProcessingStartDetails) auditDetails()    {}
func (ProcessingCompleteDetails) auditDetails() {}
func (ProcessingFailedDetails) auditDetails()   {}
func (SessionClearDetails) auditDetails()       {}
func (RateLimitDetails) auditDetails()          {}
func (Extra) auditDetails()                     {}

// Event is one audit record. ResourceType/ResourceID follow the source's
// file/user/job taxonomy.
type Event struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	IPAddress    string
	UserAgent    string
	Details      Details
}

// Recorder appends events. Implementations are best-effort: a failed write is
// logged, never surfaced, so auditing can never fail a request.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Nop discards every event. Used in tests and by CLI commands that have no
// request context worth recording.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
