package jobs

import (
	"context"
	"io"
	"time"

	"github.com/pdfpress/pdfpress/internal/model"
	"github.com/pdfpress/pdfpress/internal/quota"
)

// StatusFilter narrows job listings.
type StatusFilter string

const (
	FilterAll       StatusFilter = "all"
	FilterActive    StatusFilter = "active"
	FilterCompleted StatusFilter = "completed"
	FilterFailed    StatusFilter = "failed"
)

// Store persists jobs and the per-user quota state. Implementations must make
// CreateJob atomic with the quota reservation and guard every transition with
// a status check so concurrent callers cannot apply the same transition twice.
type Store interface {
	// CreateJob admits the job against the owner's quota and inserts the row
	// in one atomic step. On denial no row exists, no counters moved, and the
	// returned error unwraps to *quota.DeniedError.
	CreateJob(ctx context.Context, job *model.Job) error

	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, userID string, filter StatusFilter, limit int) ([]*model.Job, error)
	// ListUnexpired returns every one of the user's jobs not yet expired,
	// including dismissed rows. Dismissal hides a job from listings but its
	// files still exist, so session clearing must see it.
	ListUnexpired(ctx context.Context, userID string, limit int) ([]*model.Job, error)

	// StartJob moves pending -> processing. A job in any other status returns
	// ErrNotPending and nothing changes.
	StartJob(ctx context.Context, id string, now time.Time) error
	// CompleteJob moves processing -> completed, recording the artifact and
	// the compression ratio.
	CompleteJob(ctx context.Context, id string, processedSize int64, processedFilename, processedKey string, now time.Time) (*model.Job, error)
	// FailJob moves processing -> failed and increments the retry counter.
	FailJob(ctx context.Context, id, errorMessage string, now time.Time) (*model.Job, error)
	// FailPendingJob moves pending -> failed without touching the retry
	// counter. Used by the sweep for jobs the queue never delivered.
	FailPendingJob(ctx context.Context, id, errorMessage string, now time.Time) error
	// RequeueJob moves failed -> pending for a retry attempt, clearing the
	// error and timing fields but keeping the retry counter.
	RequeueJob(ctx context.Context, id string) error
	// ExpireJob moves any non-expired status -> expired. Returns ErrNoTransition
	// if the row was already expired.
	ExpireJob(ctx context.Context, id string, now time.Time) (*model.Job, error)

	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)
	// ListStalledPending returns jobs still pending that were created before
	// cutoff, across all users.
	ListStalledPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error)
	DismissJob(ctx context.Context, id string) error

	// ReleaseSession returns reserved session bytes, floored at zero.
	ReleaseSession(ctx context.Context, userID string, size int64) error
	// ClearSessionStorage zeroes the session counter outright.
	ClearSessionStorage(ctx context.Context, userID string) error
	// QuotaState returns the user's counters with the lazy daily reset applied
	// and persisted.
	QuotaState(ctx context.Context, userID string, now time.Time) (quota.State, error)
}

// ObjectStore holds the file bytes. Removals are idempotent: a missing object
// is not an error.
type ObjectStore interface {
	UploadKey(userID, jobID, filename string) string
	ProcessedKey(userID, jobID, filename string) string

	PutUpload(ctx context.Context, key string, r io.Reader, size int64) error
	FetchUploadTo(ctx context.Context, key, path string) error
	PutProcessedFrom(ctx context.Context, key, path string) (int64, error)
	OpenProcessed(ctx context.Context, key string) (io.ReadCloser, error)

	RemoveUpload(ctx context.Context, key string) error
	RemoveProcessed(ctx context.Context, key string) error
}

// Enqueuer hands accepted jobs to the background workers.
type Enqueuer interface {
	EnqueueCompress(ctx context.Context, jobID string) error
}
