// Package jobs owns the processing-job state machine: creation under quota,
// the worker-driven transitions, expiry, and session cleanup. All durable
// effects go through the Store and ObjectStore interfaces so the manager
// itself carries no locking; the stores guard each transition.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pdfpress/pdfpress/internal/audit"
	"github.com/pdfpress/pdfpress/internal/model"
	"github.com/pdfpress/pdfpress/internal/preset"
	"github.com/pdfpress/pdfpress/internal/quota"
)

// Jobs stuck in pending longer than this are failed by the sweep; they were
// accepted but never picked up by a worker.
const stalledPendingAfter = 10 * time.Minute

// Manual retries from the UI are capped independently of the automatic
// budget.
const maxManualRetries = 3

// Manager coordinates the job lifecycle.
type Manager struct {
	store       Store
	objects     ObjectStore
	queue       Enqueuer
	audits      audit.Recorder
	log         *logrus.Logger
	maxFileSize int64
	retention   time.Duration
	retryBudget int
	now         func() time.Time
}

// Options carries the policy knobs the manager needs from configuration.
type Options struct {
	MaxFileSize int64
	Retention   time.Duration
	RetryBudget int
	// Now overrides the clock; nil means UTC wall time.
	Now func() time.Time
}

// NewManager constructs a Manager.
func NewManager(store Store, objects ObjectStore, queue Enqueuer, audits audit.Recorder, log *logrus.Logger, opts Options) *Manager {
	if audits == nil {
		audits = audit.Nop{}
	}
	if log == nil {
		log = logrus.New()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:       store,
		objects:     objects,
		queue:       queue,
		audits:      audits,
		log:         log,
		maxFileSize: opts.MaxFileSize,
		retention:   opts.Retention,
		retryBudget: opts.RetryBudget,
		now:         now,
	}
}

// Upload is the validated request body handed over by the HTTP layer.
type Upload struct {
	Filename string
	Size     int64
	Reader   io.Reader
	Preset   string
}

// RequestMeta feeds the audit trail.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Submit validates the upload, stores the raw object, and atomically reserves
// quota while inserting the pending job row. On quota denial no row exists and
// the raw object is removed again. The accepted job is handed to the queue.
func (m *Manager) Submit(ctx context.Context, userID string, up Upload, meta RequestMeta) (*model.Job, error) {
	if up.Filename == "" {
		return nil, &ValidationError{Message: "no file selected"}
	}
	if !preset.Valid(up.Preset) {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid quality preset %q", up.Preset)}
	}
	if up.Size <= 0 {
		return nil, &ValidationError{Message: "empty file"}
	}
	if up.Size > m.maxFileSize {
		return nil, &ValidationError{Message: fmt.Sprintf("file exceeds limit (%d bytes)", m.maxFileSize)}
	}

	now := m.now()
	job := &model.Job{
		ID:               uuid.NewString(),
		UserID:           userID,
		OriginalFilename: up.Filename,
		OriginalSize:     up.Size,
		QualityPreset:    up.Preset,
		Status:           model.StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.retention),
	}
	job.UploadKey = m.objects.UploadKey(userID, job.ID, up.Filename)

	if err := m.objects.PutUpload(ctx, job.UploadKey, up.Reader, up.Size); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		// The raw object is orphaned on denial; reclaim it before returning.
		if rmErr := m.objects.RemoveUpload(ctx, job.UploadKey); rmErr != nil {
			m.log.WithError(rmErr).WithField("key", job.UploadKey).Warn("remove denied upload")
		}
		var denied *quota.DeniedError
		if errors.As(err, &denied) {
			m.audits.Record(ctx, audit.Event{
				UserID:    userID,
				Action:    audit.ActionRateLimitExceeded,
				IPAddress: meta.IPAddress,
				UserAgent: meta.UserAgent,
				Details:   audit.RateLimitDetails{LimitType: string(denied.Reason)},
			})
		}
		return nil, err
	}

	if err := m.queue.EnqueueCompress(ctx, job.ID); err != nil {
		// The row stays pending; the stalled-job sweep will fail it if no
		// worker ever picks it up.
		m.log.WithError(err).WithField("job", job.ID).Error("enqueue compress task")
		return nil, fmt.Errorf("queue job: %w", err)
	}

	m.audits.Record(ctx, audit.Event{
		UserID:       userID,
		Action:       audit.ActionFileUpload,
		ResourceType: "job",
		ResourceID:   job.ID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		Details: audit.UploadDetails{
			Filename:      up.Filename,
			FileSize:      up.Size,
			QualityPreset: up.Preset,
		},
	})
	return job, nil
}

// GetStatus returns the job for polling. Ownership failures are reported as
// ErrNotFound, indistinguishable from a missing job. A job found past its
// deadline is expired on the spot, the same lazy transition the status poll
// has always driven.
func (m *Manager) GetStatus(ctx context.Context, jobID, userID string) (*model.Job, error) {
	job, err := m.ownedJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if job.Status != model.StatusExpired && job.IsExpired(now) {
		if err := m.expire(ctx, job, now); err != nil {
			// Report the stored status; the next poll or sweep retries.
			m.log.WithError(err).WithField("job", job.ID).Warn("lazy expire on status read")
		} else {
			job.Status = model.StatusExpired
		}
	}
	return job, nil
}

// ListJobs returns the user's jobs, newest first, excluding dismissed rows.
func (m *Manager) ListJobs(ctx context.Context, userID string, filter StatusFilter, limit int) ([]*model.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	switch filter {
	case FilterAll, FilterActive, FilterCompleted, FilterFailed:
	default:
		filter = FilterAll
	}
	return m.store.ListJobs(ctx, userID, filter, limit)
}

// Download opens the processed artifact for an owned, completed, unexpired
// job.
func (m *Manager) Download(ctx context.Context, jobID, userID string, meta RequestMeta) (io.ReadCloser, *model.Job, error) {
	job, err := m.ownedJob(ctx, jobID, userID)
	if err != nil {
		return nil, nil, err
	}
	if job.IsExpired(m.now()) || job.Status == model.StatusExpired {
		return nil, nil, ErrExpired
	}
	if job.Status != model.StatusCompleted || job.ProcessedKey == "" {
		return nil, nil, ErrNotReady
	}
	rc, err := m.objects.OpenProcessed(ctx, job.ProcessedKey)
	if err != nil {
		return nil, nil, fmt.Errorf("open processed object: %w", err)
	}
	m.audits.Record(ctx, audit.Event{
		UserID:       userID,
		Action:       audit.ActionFileDownload,
		ResourceType: "job",
		ResourceID:   job.ID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})
	return rc, job, nil
}

// OpenProcessed serves signed download links, where the link itself already
// proves authorization. Expiry and readiness checks match Download.
func (m *Manager) OpenProcessed(ctx context.Context, jobID string) (io.ReadCloser, *model.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, ErrNotFound
	}
	if job.IsExpired(m.now()) || job.Status == model.StatusExpired {
		return nil, nil, ErrExpired
	}
	if job.Status != model.StatusCompleted || job.ProcessedKey == "" {
		return nil, nil, ErrNotReady
	}
	rc, err := m.objects.OpenProcessed(ctx, job.ProcessedKey)
	if err != nil {
		return nil, nil, fmt.Errorf("open processed object: %w", err)
	}
	return rc, job, nil
}

// DownloadFilename derives the attachment name offered to the browser.
func DownloadFilename(job *model.Job) string {
	base := job.OriginalFilename
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s_compressed_%s.pdf", base, job.QualityPreset)
}

// Start moves a pending job into processing. Exactly one caller wins; a
// concurrent Start on the same job gets ErrNotPending.
func (m *Manager) Start(ctx context.Context, jobID string) (*model.Job, error) {
	now := m.now()
	if err := m.store.StartJob(ctx, jobID, now); err != nil {
		return nil, err
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	m.audits.Record(ctx, audit.Event{
		UserID:       job.UserID,
		Action:       audit.ActionProcessingStart,
		ResourceType: "job",
		ResourceID:   job.ID,
		IPAddress:    "system",
		Details:      audit.ProcessingStartDetails{QualityPreset: job.QualityPreset},
	})
	return job, nil
}

// Complete records the processed artifact. An output at least as large as the
// input still completes; the ratio simply comes out >= 1.
func (m *Manager) Complete(ctx context.Context, jobID string, processedSize int64, processedFilename, processedKey string) (*model.Job, error) {
	job, err := m.store.CompleteJob(ctx, jobID, processedSize, processedFilename, processedKey, m.now())
	if err != nil {
		return nil, err
	}
	var elapsed time.Duration
	if job.StartedAt != nil && job.CompletedAt != nil {
		elapsed = job.CompletedAt.Sub(*job.StartedAt)
	}
	ratio := 0.0
	if job.CompressionRatio != nil {
		ratio = *job.CompressionRatio
	}
	m.audits.Record(ctx, audit.Event{
		UserID:       job.UserID,
		Action:       audit.ActionProcessingDone,
		ResourceType: "job",
		ResourceID:   job.ID,
		IPAddress:    "system",
		Details:      audit.ProcessingCompleteDetails{CompressionRatio: ratio, ProcessingTime: elapsed},
	})
	return job, nil
}

// Fail marks the job failed and decides whether the automatic retry budget
// allows another attempt. When it does, the job is reset to pending and
// re-enqueued; the caller only observes retry=true.
func (m *Manager) Fail(ctx context.Context, jobID, errorMessage string) (retry bool, err error) {
	now := m.now()
	job, err := m.store.FailJob(ctx, jobID, errorMessage, now)
	if err != nil {
		return false, err
	}
	m.audits.Record(ctx, audit.Event{
		UserID:       job.UserID,
		Action:       audit.ActionProcessingFailed,
		ResourceType: "job",
		ResourceID:   job.ID,
		IPAddress:    "system",
		Details:      audit.ProcessingFailedDetails{ErrorMessage: errorMessage, RetryCount: job.RetryCount},
	})
	if job.RetryCount > m.retryBudget || job.IsExpired(now) {
		return false, nil
	}
	if err := m.store.RequeueJob(ctx, jobID); err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	if err := m.queue.EnqueueCompress(ctx, jobID); err != nil {
		return false, fmt.Errorf("enqueue retry: %w", err)
	}
	return true, nil
}

// Retry is the user-initiated variant for failed jobs that still have budget
// and have not expired.
func (m *Manager) Retry(ctx context.Context, jobID, userID string, meta RequestMeta) error {
	job, err := m.ownedJob(ctx, jobID, userID)
	if err != nil {
		return err
	}
	now := m.now()
	if job.Status != model.StatusFailed || job.IsExpired(now) || job.RetryCount >= maxManualRetries {
		return ErrNotRetryable
	}
	if err := m.store.RequeueJob(ctx, jobID); err != nil {
		return err
	}
	if err := m.queue.EnqueueCompress(ctx, jobID); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	m.audits.Record(ctx, audit.Event{
		UserID:       userID,
		Action:       audit.ActionJobRetry,
		ResourceType: "job",
		ResourceID:   jobID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})
	return nil
}

// Dismiss removes a finished job from the user's active view. Quota is
// untouched; the files were already reclaimed (or will be by the sweep). A
// job past its deadline is expired instead, so dismiss and expire converge.
func (m *Manager) Dismiss(ctx context.Context, jobID, userID string, meta RequestMeta) error {
	job, err := m.ownedJob(ctx, jobID, userID)
	if err != nil {
		return err
	}
	now := m.now()
	if job.Status != model.StatusExpired && job.IsExpired(now) {
		if err := m.expire(ctx, job, now); err != nil {
			return err
		}
	}
	if !job.Status.Terminal() && !job.IsExpired(now) {
		return &ValidationError{Message: "only finished jobs can be dismissed"}
	}
	if err := m.store.DismissJob(ctx, jobID); err != nil {
		return err
	}
	m.audits.Record(ctx, audit.Event{
		UserID:       userID,
		Action:       audit.ActionJobDismissed,
		ResourceType: "job",
		ResourceID:   jobID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})
	return nil
}

// ClearSession forces expiry on every one of the user's non-expired jobs and
// zeroes the session storage counter. This is the only user-triggered bulk
// transition. Dismissed jobs are included: dismissal only hides a job from
// listings, its files are still on disk until here or the sweep.
func (m *Manager) ClearSession(ctx context.Context, userID string, meta RequestMeta) (int, error) {
	all, err := m.store.ListUnexpired(ctx, userID, 1000)
	if err != nil {
		return 0, err
	}
	now := m.now()
	affected := 0
	for _, job := range all {
		if err := m.expire(ctx, job, now); err != nil {
			m.log.WithError(err).WithField("job", job.ID).Warn("clear session expire")
			continue
		}
		affected++
	}
	if err := m.store.ClearSessionStorage(ctx, userID); err != nil {
		return affected, err
	}
	m.audits.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    audit.ActionSessionClear,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Details:   audit.SessionClearDetails{JobsAffected: affected},
	})
	return affected, nil
}

// SweepExpired drives overdue jobs to expired and fails jobs stuck in pending
// longer than the stall cutoff. Errors on individual jobs are logged and left
// for the next sweep cycle.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()
	overdue, err := m.store.ListExpired(ctx, now, 500)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}
	expired := 0
	for _, job := range overdue {
		if err := m.expire(ctx, job, now); err != nil {
			m.log.WithError(err).WithField("job", job.ID).Warn("sweep expire")
			continue
		}
		expired++
	}

	// Jobs the queue lost stay pending forever without this.
	cutoff := now.Add(-stalledPendingAfter)
	stalled, err := m.store.ListStalledPending(ctx, cutoff, 500)
	if err != nil {
		m.log.WithError(err).Warn("list stalled jobs")
		return expired, nil
	}
	for _, job := range stalled {
		msg := "processing timed out - job was stuck in pending state"
		if err := m.store.FailPendingJob(ctx, job.ID, msg, now); err != nil && !errors.Is(err, ErrNoTransition) {
			m.log.WithError(err).WithField("job", job.ID).Warn("fail stalled job")
		}
	}
	return expired, nil
}

// Usage returns the user's quota counters with the lazy daily reset applied.
func (m *Manager) Usage(ctx context.Context, userID string) (quota.State, error) {
	return m.store.QuotaState(ctx, userID, m.now())
}

// expire applies the guarded transition, reclaims storage, and releases the
// reserved session bytes. Object removals are best-effort: a missing file
// never blocks the transition, and release is floored so a concurrent sweep
// cannot drive the counter negative.
func (m *Manager) expire(ctx context.Context, job *model.Job, now time.Time) error {
	if _, err := m.store.ExpireJob(ctx, job.ID, now); err != nil {
		if errors.Is(err, ErrNoTransition) {
			return nil // another sweep got here first
		}
		return err
	}
	if job.UploadKey != "" {
		if err := m.objects.RemoveUpload(ctx, job.UploadKey); err != nil {
			m.log.WithError(err).WithField("key", job.UploadKey).Warn("remove upload object")
		}
	}
	if job.ProcessedKey != "" {
		if err := m.objects.RemoveProcessed(ctx, job.ProcessedKey); err != nil {
			m.log.WithError(err).WithField("key", job.ProcessedKey).Warn("remove processed object")
		}
	}
	if err := m.store.ReleaseSession(ctx, job.UserID, job.OriginalSize); err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	m.audits.Record(ctx, audit.Event{
		UserID:       job.UserID,
		Action:       audit.ActionJobExpired,
		ResourceType: "job",
		ResourceID:   job.ID,
		IPAddress:    "system",
	})
	return nil
}

func (m *Manager) ownedJob(ctx context.Context, jobID, userID string) (*model.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, ErrNotFound
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}
