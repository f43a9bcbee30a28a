// Package storage contains the in-memory persistence layer used by tests and
// single-process development runs. It implements the same guarded transitions
// as the Postgres store, with an RWMutex in place of row locks.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pdfpress/pdfpress/internal/jobs"
	"github.com/pdfpress/pdfpress/internal/model"
	"github.com/pdfpress/pdfpress/internal/quota"
)

var ErrUserNotFound = errors.New("user not found")

// MemoryStore keeps jobs and users in maps guarded by an RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*model.Job
	users  map[string]*model.User
	limits quota.Limits
}

// NewMemoryStore constructs a MemoryStore enforcing the given quota limits.
func NewMemoryStore(limits quota.Limits) *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*model.Job),
		users:  make(map[string]*model.User),
		limits: limits,
	}
}

// AddUser registers a user row. Tests seed accounts through this.
func (m *MemoryStore) AddUser(u *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.LastResetDate.IsZero() {
		u.LastResetDate = quota.DateOnly(time.Now().UTC())
	}
	m.users[u.ID] = u
}

// GetUser returns a copy of the user row.
func (m *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByEmail returns a copy of the user row matching email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

// CreateJob admits the job against the owner's quota and inserts it under one
// lock acquisition, so reservation and creation are never observably separate.
func (m *MemoryStore) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[job.UserID]
	if !ok {
		return ErrUserNotFound
	}
	state := m.quotaStateLocked(user)
	state, denied := quota.CheckAndReserve(state, job.OriginalSize, m.limits, job.CreatedAt)
	m.applyStateLocked(user, state)
	if denied != nil {
		return denied
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

// GetJob returns a job copy.
func (m *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns the user's undismissed jobs, newest first.
func (m *MemoryStore) ListJobs(_ context.Context, userID string, filter jobs.StatusFilter, limit int) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Job
	for _, job := range m.jobs {
		if job.UserID != userID || job.Dismissed {
			continue
		}
		if !matchesFilter(job.Status, filter) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUnexpired returns every non-expired job of the user, dismissed or not.
func (m *MemoryStore) ListUnexpired(_ context.Context, userID string, limit int) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Job
	for _, job := range m.jobs {
		if job.UserID != userID || job.Status == model.StatusExpired {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(s model.JobStatus, f jobs.StatusFilter) bool {
	switch f {
	case jobs.FilterActive:
		return s == model.StatusPending || s == model.StatusProcessing
	case jobs.FilterCompleted:
		return s == model.StatusCompleted
	case jobs.FilterFailed:
		return s == model.StatusFailed
	default:
		return true
	}
}

// StartJob moves pending -> processing; any other current status is rejected.
func (m *MemoryStore) StartJob(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if job.Status != model.StatusPending {
		return jobs.ErrNotPending
	}
	job.Status = model.StatusProcessing
	started := now
	job.StartedAt = &started
	return nil
}

// CompleteJob moves processing -> completed and derives the ratio.
func (m *MemoryStore) CompleteJob(_ context.Context, id string, processedSize int64, processedFilename, processedKey string, now time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	if job.Status != model.StatusProcessing {
		return nil, jobs.ErrNoTransition
	}
	job.Status = model.StatusCompleted
	job.ProcessedSize = &processedSize
	job.ProcessedFilename = &processedFilename
	job.ProcessedKey = processedKey
	done := now
	job.CompletedAt = &done
	if job.OriginalSize > 0 {
		ratio := float64(processedSize) / float64(job.OriginalSize)
		job.CompressionRatio = &ratio
	}
	cp := *job
	return &cp, nil
}

// FailJob moves processing -> failed, incrementing the retry counter.
func (m *MemoryStore) FailJob(_ context.Context, id, errorMessage string, now time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	if job.Status != model.StatusProcessing {
		return nil, jobs.ErrNoTransition
	}
	job.Status = model.StatusFailed
	job.ErrorMessage = &errorMessage
	done := now
	job.CompletedAt = &done
	job.RetryCount++
	cp := *job
	return &cp, nil
}

// FailPendingJob moves pending -> failed without touching the retry counter.
func (m *MemoryStore) FailPendingJob(_ context.Context, id, errorMessage string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if job.Status != model.StatusPending {
		return jobs.ErrNoTransition
	}
	job.Status = model.StatusFailed
	job.ErrorMessage = &errorMessage
	done := now
	job.CompletedAt = &done
	return nil
}

// RequeueJob moves failed -> pending for another attempt.
func (m *MemoryStore) RequeueJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if job.Status != model.StatusFailed {
		return jobs.ErrNoTransition
	}
	job.Status = model.StatusPending
	job.StartedAt = nil
	job.CompletedAt = nil
	job.ErrorMessage = nil
	return nil
}

// ExpireJob moves any non-expired status -> expired.
func (m *MemoryStore) ExpireJob(_ context.Context, id string, _ time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	if job.Status == model.StatusExpired {
		return nil, jobs.ErrNoTransition
	}
	job.Status = model.StatusExpired
	cp := *job
	return &cp, nil
}

// ListExpired returns overdue jobs not yet marked expired.
func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Job
	for _, job := range m.jobs {
		if job.Status != model.StatusExpired && now.After(job.ExpiresAt) {
			cp := *job
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ListStalledPending returns pending jobs created before cutoff.
func (m *MemoryStore) ListStalledPending(_ context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Job
	for _, job := range m.jobs {
		if job.Status == model.StatusPending && job.CreatedAt.Before(cutoff) {
			cp := *job
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// DismissJob flags the job out of listings.
func (m *MemoryStore) DismissJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	job.Dismissed = true
	return nil
}

// ReleaseSession returns reserved session bytes, floored at zero.
func (m *MemoryStore) ReleaseSession(_ context.Context, userID string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	state := m.quotaStateLocked(user)
	m.applyStateLocked(user, quota.ReleaseSession(state, size))
	return nil
}

// ClearSessionStorage zeroes the session counter.
func (m *MemoryStore) ClearSessionStorage(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	state := m.quotaStateLocked(user)
	m.applyStateLocked(user, quota.ClearSession(state))
	return nil
}

// QuotaState returns the user's counters with the lazy daily reset persisted.
func (m *MemoryStore) QuotaState(_ context.Context, userID string, now time.Time) (quota.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return quota.State{}, ErrUserNotFound
	}
	state, _ := quota.ResetIfNewDay(m.quotaStateLocked(user), now)
	m.applyStateLocked(user, state)
	return state, nil
}

func (m *MemoryStore) quotaStateLocked(user *model.User) quota.State {
	active := 0
	for _, job := range m.jobs {
		if job.UserID == user.ID && (job.Status == model.StatusPending || job.Status == model.StatusProcessing) {
			active++
		}
	}
	return quota.State{
		DailyFileCount:     user.DailyFileCount,
		DailyStorageUsed:   user.DailyStorageUsed,
		SessionStorageUsed: user.SessionStorageUsed,
		LastResetDate:      user.LastResetDate,
		ActiveJobs:         active,
	}
}

func (m *MemoryStore) applyStateLocked(user *model.User, s quota.State) {
	user.DailyFileCount = s.DailyFileCount
	user.DailyStorageUsed = s.DailyStorageUsed
	user.SessionStorageUsed = s.SessionStorageUsed
	user.LastResetDate = s.LastResetDate
}
