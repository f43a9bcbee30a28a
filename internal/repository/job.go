package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pdfpress/pdfpress/internal/jobs"
	"github.com/pdfpress/pdfpress/internal/model"
	"github.com/pdfpress/pdfpress/internal/quota"
)

// JobRepository implements jobs.Store on Postgres. Quota admission runs in a
// single transaction with the user row locked, and every lifecycle change is
// a guarded UPDATE whose WHERE clause names the required current status, so a
// lost race shows up as zero affected rows instead of a lost update.
type JobRepository struct {
	pool   *pgxpool.Pool
	limits quota.Limits
}

// NewJobRepository constructs a repository enforcing the given quota limits.
func NewJobRepository(pool *pgxpool.Pool, limits quota.Limits) *JobRepository {
	return &JobRepository{pool: pool, limits: limits}
}

const jobColumns = `
	id, user_id, original_filename, processed_filename, original_size,
	processed_size, compression_ratio, quality_preset, status, created_at,
	started_at, completed_at, expires_at, error_message, retry_count,
	upload_key, processed_key, dismissed`

// CreateJob reserves quota and inserts the pending row in one transaction.
// A denial rolls the reservation back but still commits the lazy daily reset.
func (r *JobRepository) CreateJob(ctx context.Context, job *model.Job) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	state, err := lockQuotaState(ctx, tx, job.UserID)
	if err != nil {
		return err
	}
	state, denied := quota.CheckAndReserve(state, job.OriginalSize, r.limits, job.CreatedAt)
	if err := writeQuotaState(ctx, tx, job.UserID, state); err != nil {
		return err
	}
	if denied != nil {
		// Commit so the daily reset, if one happened, sticks.
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit reset: %w", err)
		}
		return denied
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO processing_jobs (
			id, user_id, original_filename, original_size, quality_preset,
			status, created_at, expires_at, retry_count, upload_key, processed_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,'')
	`, job.ID, job.UserID, job.OriginalFilename, job.OriginalSize, job.QualityPreset,
		job.Status, job.CreatedAt, job.ExpiresAt, job.UploadKey)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return tx.Commit(ctx)
}

// GetJob returns a job by id.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// ListJobs returns the user's undismissed jobs, newest first.
func (r *JobRepository) ListJobs(ctx context.Context, userID string, filter jobs.StatusFilter, limit int) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE user_id=$1 AND NOT dismissed`
	switch filter {
	case jobs.FilterActive:
		query += ` AND status IN ('pending','processing')`
	case jobs.FilterCompleted:
		query += ` AND status = 'completed'`
	case jobs.FilterFailed:
		query += ` AND status = 'failed'`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListUnexpired returns every non-expired job of the user, including
// dismissed rows, for session clearing.
func (r *JobRepository) ListUnexpired(ctx context.Context, userID string, limit int) ([]*model.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE user_id=$1 AND status <> 'expired'
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unexpired jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// StartJob is the compare-and-swap pending -> processing transition.
func (r *JobRepository) StartJob(ctx context.Context, id string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs SET status='processing', started_at=$1
		WHERE id=$2 AND status='pending'
	`, now, id)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNotPending
	}
	return nil
}

// CompleteJob is the guarded processing -> completed transition. The ratio is
// derived in SQL from the row's own original_size.
func (r *JobRepository) CompleteJob(ctx context.Context, id string, processedSize int64, processedFilename, processedKey string, now time.Time) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE processing_jobs
		SET status='completed',
			processed_size=$1,
			processed_filename=$2,
			processed_key=$3,
			completed_at=$4,
			compression_ratio = CASE WHEN original_size > 0
				THEN $1::double precision / original_size ELSE NULL END
		WHERE id=$5 AND status='processing'
		RETURNING `+jobColumns, processedSize, processedFilename, processedKey, now, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNoTransition
		}
		return nil, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

// FailJob is the guarded processing -> failed transition; retry_count counts
// attempts consumed.
func (r *JobRepository) FailJob(ctx context.Context, id, errorMessage string, now time.Time) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE processing_jobs
		SET status='failed', error_message=$1, completed_at=$2, retry_count=retry_count+1
		WHERE id=$3 AND status='processing'
		RETURNING `+jobColumns, errorMessage, now, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNoTransition
		}
		return nil, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

// FailPendingJob fails a job the queue never delivered.
func (r *JobRepository) FailPendingJob(ctx context.Context, id, errorMessage string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs SET status='failed', error_message=$1, completed_at=$2
		WHERE id=$3 AND status='pending'
	`, errorMessage, now, id)
	if err != nil {
		return fmt.Errorf("fail pending job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNoTransition
	}
	return nil
}

// RequeueJob resets a failed job to pending for another attempt.
func (r *JobRepository) RequeueJob(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET status='pending', started_at=NULL, completed_at=NULL, error_message=NULL
		WHERE id=$1 AND status='failed'
	`, id)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNoTransition
	}
	return nil
}

// ExpireJob is the guarded transition to expired from any earlier status. The
// sweep and a worker finishing the same job race through this safely: only
// one UPDATE matches.
func (r *JobRepository) ExpireJob(ctx context.Context, id string, _ time.Time) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE processing_jobs SET status='expired'
		WHERE id=$1 AND status <> 'expired'
		RETURNING `+jobColumns, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNoTransition
		}
		return nil, fmt.Errorf("expire job: %w", err)
	}
	return job, nil
}

// ListExpired returns overdue rows not yet marked expired.
func (r *JobRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE status <> 'expired' AND expires_at < $1
		ORDER BY expires_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListStalledPending returns pending jobs created before cutoff.
func (r *JobRepository) ListStalledPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE status='pending' AND created_at < $1
		ORDER BY created_at LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DismissJob flags the row out of listings.
func (r *JobRepository) DismissJob(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE processing_jobs SET dismissed=TRUE WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("dismiss job: %w", err)
	}
	return nil
}

// ReleaseSession returns reserved session bytes, floored at zero in SQL so
// concurrent sweeps cannot drive the counter negative.
func (r *JobRepository) ReleaseSession(ctx context.Context, userID string, size int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET session_storage_used = GREATEST(session_storage_used - $1, 0)
		WHERE id=$2
	`, size, userID)
	if err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

// ClearSessionStorage zeroes the session counter.
func (r *JobRepository) ClearSessionStorage(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET session_storage_used = 0 WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("clear session storage: %w", err)
	}
	return nil
}

// QuotaState returns the user's counters with the lazy daily reset persisted.
func (r *JobRepository) QuotaState(ctx context.Context, userID string, now time.Time) (quota.State, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return quota.State{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	state, err := lockQuotaState(ctx, tx, userID)
	if err != nil {
		return quota.State{}, err
	}
	state, reset := quota.ResetIfNewDay(state, now)
	if reset {
		if err := writeQuotaState(ctx, tx, userID, state); err != nil {
			return quota.State{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return quota.State{}, fmt.Errorf("commit: %w", err)
	}
	return state, nil
}

func lockQuotaState(ctx context.Context, tx pgx.Tx, userID string) (quota.State, error) {
	var state quota.State
	err := tx.QueryRow(ctx, `
		SELECT daily_file_count, daily_storage_used, session_storage_used, last_reset_date,
			(SELECT COUNT(*) FROM processing_jobs
			 WHERE user_id=$1 AND status IN ('pending','processing'))
		FROM users WHERE id=$1 FOR UPDATE
	`, userID).Scan(&state.DailyFileCount, &state.DailyStorageUsed,
		&state.SessionStorageUsed, &state.LastResetDate, &state.ActiveJobs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.State{}, ErrUserNotFound
		}
		return quota.State{}, fmt.Errorf("lock user quota: %w", err)
	}
	return state, nil
}

func writeQuotaState(ctx context.Context, tx pgx.Tx, userID string, s quota.State) error {
	_, err := tx.Exec(ctx, `
		UPDATE users
		SET daily_file_count=$1, daily_storage_used=$2, session_storage_used=$3, last_reset_date=$4
		WHERE id=$5
	`, s.DailyFileCount, s.DailyStorageUsed, s.SessionStorageUsed, s.LastResetDate, userID)
	if err != nil {
		return fmt.Errorf("write user quota: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job               model.Job
		processedFilename sql.NullString
		processedSize     sql.NullInt64
		ratio             sql.NullFloat64
		startedAt         sql.NullTime
		completedAt       sql.NullTime
		errorMessage      sql.NullString
	)
	err := row.Scan(&job.ID, &job.UserID, &job.OriginalFilename, &processedFilename,
		&job.OriginalSize, &processedSize, &ratio, &job.QualityPreset, &job.Status,
		&job.CreatedAt, &startedAt, &completedAt, &job.ExpiresAt, &errorMessage,
		&job.RetryCount, &job.UploadKey, &job.ProcessedKey, &job.Dismissed)
	if err != nil {
		return nil, err
	}
	if processedFilename.Valid {
		v := processedFilename.String
		job.ProcessedFilename = &v
	}
	if processedSize.Valid {
		v := processedSize.Int64
		job.ProcessedSize = &v
	}
	if ratio.Valid {
		v := ratio.Float64
		job.CompressionRatio = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		job.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		job.CompletedAt = &v
	}
	if errorMessage.Valid {
		v := errorMessage.String
		job.ErrorMessage = &v
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*model.Job, error) {
	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
