package jobs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfpress/pdfpress/internal/jobs"
	"github.com/pdfpress/pdfpress/internal/model"
	"github.com/pdfpress/pdfpress/internal/quota"
	"github.com/pdfpress/pdfpress/internal/storage"
)

const mib = int64(1) << 20

type fakeObjects struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	removed []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{blobs: map[string][]byte{}}
}

func (f *fakeObjects) UploadKey(userID, jobID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s/%s", userID, jobID, filename)
}

func (f *fakeObjects) ProcessedKey(userID, jobID, filename string) string {
	return fmt.Sprintf("processed/%s/%s/%s", userID, jobID, filename)
}

func (f *fakeObjects) PutUpload(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = data
	return nil
}

func (f *fakeObjects) FetchUploadTo(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[key]; !ok {
		return fmt.Errorf("no object %s", key)
	}
	return nil
}

func (f *fakeObjects) PutProcessedFrom(_ context.Context, key, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = []byte("processed")
	return int64(len("processed")), nil
}

func (f *fakeObjects) OpenProcessed(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeObjects) RemoveUpload(_ context.Context, key string) error    { return f.remove(key) }
func (f *fakeObjects) RemoveProcessed(_ context.Context, key string) error { return f.remove(key) }

func (f *fakeObjects) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[key]
	return ok
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeQueue) EnqueueCompress(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type fixture struct {
	store   *storage.MemoryStore
	objects *fakeObjects
	queue   *fakeQueue
	mgr     *jobs.Manager
	now     time.Time
	mu      sync.Mutex
}

func (fx *fixture) clock() time.Time {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.now
}

func (fx *fixture) advance(d time.Duration) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.now = fx.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	limits := quota.Limits{
		DailyFileLimit:      3,
		DailyStorageBytes:   10 * mib,
		SessionStorageBytes: 8 * mib,
		ConcurrentUploads:   2,
	}
	fx := &fixture{
		store:   storage.NewMemoryStore(limits),
		objects: newFakeObjects(),
		queue:   &fakeQueue{},
		now:     time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
	}
	fx.store.AddUser(&model.User{
		ID:            "u1",
		Email:         "u1@example.com",
		CreatedAt:     fx.now,
		LastResetDate: quota.DateOnly(fx.now),
	})
	log := logrus.New()
	log.SetOutput(io.Discard)
	fx.mgr = jobs.NewManager(fx.store, fx.objects, fx.queue, nil, log, jobs.Options{
		MaxFileSize: 25 * mib,
		Retention:   24 * time.Hour,
		RetryBudget: 1,
		Now:         fx.clock,
	})
	return fx
}

func (fx *fixture) submit(t *testing.T, size int64) *model.Job {
	t.Helper()
	job, err := fx.mgr.Submit(context.Background(), "u1", jobs.Upload{
		Filename: "report.pdf",
		Size:     size,
		Reader:   strings.NewReader(strings.Repeat("x", 16)),
		Preset:   "medium",
	}, jobs.RequestMeta{})
	require.NoError(t, err)
	return job
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, 5*mib)

	assert.Equal(t, model.StatusPending, job.Status)
	assert.Equal(t, fx.now.Add(24*time.Hour), job.ExpiresAt)
	assert.True(t, fx.objects.has(job.UploadKey))
	assert.Equal(t, 1, fx.queue.count())

	state, err := fx.mgr.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.DailyFileCount)
	assert.Equal(t, 5*mib, state.DailyStorageUsed)
	assert.Equal(t, 5*mib, state.SessionStorageUsed)
}

func TestSubmitValidation(t *testing.T) {
	fx := newFixture(t)
	cases := []struct {
		name   string
		upload jobs.Upload
	}{
		{"missing filename", jobs.Upload{Size: mib, Preset: "medium"}},
		{"bad preset", jobs.Upload{Filename: "a.pdf", Size: mib, Preset: "ultra"}},
		{"empty file", jobs.Upload{Filename: "a.pdf", Size: 0, Preset: "low"}},
		{"oversized", jobs.Upload{Filename: "a.pdf", Size: 26 * mib, Preset: "low"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.upload.Reader = strings.NewReader("x")
			_, err := fx.mgr.Submit(context.Background(), "u1", tc.upload, jobs.RequestMeta{})
			var verr *jobs.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestSubmitConcurrentUploadDenial(t *testing.T) {
	fx := newFixture(t)
	fx.submit(t, mib)
	fx.submit(t, mib)

	_, err := fx.mgr.Submit(context.Background(), "u1", jobs.Upload{
		Filename: "third.pdf",
		Size:     mib,
		Reader:   strings.NewReader("x"),
		Preset:   "low",
	}, jobs.RequestMeta{})
	var denied *quota.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, quota.ReasonConcurrentUploads, denied.Reason)

	// The denied upload leaves no job row and no stored object behind.
	listed, err := fx.mgr.ListJobs(context.Background(), "u1", jobs.FilterAll, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	assert.Equal(t, 2, fx.queue.count())
	assert.Len(t, fx.objects.removed, 1)
}

func TestSubmitExactSessionFitAdmits(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, 8*mib) // exactly the session limit
	assert.Equal(t, model.StatusPending, job.Status)
}

func TestStartSingleWinner(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, mib)

	started, err := fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, started.Status)
	require.NotNil(t, started.StartedAt)

	_, err = fx.mgr.Start(context.Background(), job.ID)
	assert.ErrorIs(t, err, jobs.ErrNotPending)
}

func TestCompleteComputesRatio(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, 5*mib)
	_, err := fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)

	done, err := fx.mgr.Complete(context.Background(), job.ID, 2*mib, "report.pdf", "processed/key")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	require.NotNil(t, done.CompressionRatio)
	assert.InDelta(t, 0.4, *done.CompressionRatio, 1e-9)
	require.NotNil(t, done.ProcessedSize)
	assert.Equal(t, 2*mib, *done.ProcessedSize)
}

func TestCompleteWithLargerOutputStillCompletes(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, 2*mib)
	_, err := fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)

	done, err := fx.mgr.Complete(context.Background(), job.ID, 3*mib, "report.pdf", "processed/key")
	require.NoError(t, err)
	require.NotNil(t, done.CompressionRatio)
	assert.Greater(t, *done.CompressionRatio, 1.0)
}

func TestFailRetriesWithinBudget(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, mib)
	_, err := fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)

	retry, err := fx.mgr.Fail(context.Background(), job.ID, "ghostscript exited 1")
	require.NoError(t, err)
	assert.True(t, retry)

	current, err := fx.mgr.GetStatus(context.Background(), job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, current.Status)
	assert.Equal(t, 1, current.RetryCount)
	assert.Equal(t, 2, fx.queue.count())

	// Budget of one automatic retry is spent; the second failure is final.
	_, err = fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)
	retry, err = fx.mgr.Fail(context.Background(), job.ID, "ghostscript exited 1")
	require.NoError(t, err)
	assert.False(t, retry)

	current, err = fx.mgr.GetStatus(context.Background(), job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, current.Status)
	assert.Equal(t, 2, current.RetryCount)
	require.NotNil(t, current.ErrorMessage)
	assert.Equal(t, "ghostscript exited 1", *current.ErrorMessage)
}

func TestManualRetryRules(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, mib)

	// Pending jobs are not retryable.
	err := fx.mgr.Retry(context.Background(), job.ID, "u1", jobs.RequestMeta{})
	assert.ErrorIs(t, err, jobs.ErrNotRetryable)

	_, err = fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = fx.mgr.Fail(context.Background(), job.ID, "boom")
	require.NoError(t, err)
	_, err = fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = fx.mgr.Fail(context.Background(), job.ID, "boom")
	require.NoError(t, err)

	// Failed with retry_count 2, still under the manual cap.
	err = fx.mgr.Retry(context.Background(), job.ID, "u1", jobs.RequestMeta{})
	require.NoError(t, err)

	_, err = fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = fx.mgr.Fail(context.Background(), job.ID, "boom")
	require.NoError(t, err)

	// retry_count 3 hits the cap.
	err = fx.mgr.Retry(context.Background(), job.ID, "u1", jobs.RequestMeta{})
	assert.ErrorIs(t, err, jobs.ErrNotRetryable)
}

func TestGetStatusLazyExpiry(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, 4*mib)
	fx.advance(25 * time.Hour)

	got, err := fx.mgr.GetStatus(context.Background(), job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.False(t, fx.objects.has(job.UploadKey))

	state, err := fx.mgr.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.SessionStorageUsed)
	// Daily counters never decrement, and the clock moved a day forward so
	// the lazy reset zeroes them instead.
	assert.Equal(t, 0, state.DailyFileCount)
}

func TestGetStatusForeignJob(t *testing.T) {
	fx := newFixture(t)
	fx.store.AddUser(&model.User{
		ID:            "u2",
		Email:         "u2@example.com",
		CreatedAt:     fx.now,
		LastResetDate: quota.DateOnly(fx.now),
	})
	job := fx.submit(t, mib)

	_, err := fx.mgr.GetStatus(context.Background(), job.ID, "u2")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	_, err = fx.mgr.GetStatus(context.Background(), "missing-id", "u1")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestDownload(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, mib)

	_, _, err := fx.mgr.Download(context.Background(), job.ID, "u1", jobs.RequestMeta{})
	assert.ErrorIs(t, err, jobs.ErrNotReady)

	_, err = fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)
	key := fx.objects.ProcessedKey("u1", job.ID, "report.pdf")
	_, err = fx.objects.PutProcessedFrom(context.Background(), key, "")
	require.NoError(t, err)
	_, err = fx.mgr.Complete(context.Background(), job.ID, mib/2, "report.pdf", key)
	require.NoError(t, err)

	rc, got, err := fx.mgr.Download(context.Background(), job.ID, "u1", jobs.RequestMeta{})
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "report_compressed_medium.pdf", jobs.DownloadFilename(got))

	fx.advance(25 * time.Hour)
	_, _, err = fx.mgr.Download(context.Background(), job.ID, "u1", jobs.RequestMeta{})
	assert.ErrorIs(t, err, jobs.ErrExpired)
}

func TestSweepExpiresOverdueJobs(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, 3*mib)
	_, err := fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)
	key := fx.objects.ProcessedKey("u1", job.ID, "report.pdf")
	_, err = fx.objects.PutProcessedFrom(context.Background(), key, "")
	require.NoError(t, err)
	_, err = fx.mgr.Complete(context.Background(), job.ID, mib, "report.pdf", key)
	require.NoError(t, err)

	fx.advance(25 * time.Hour)
	expired, err := fx.mgr.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := fx.mgr.GetStatus(context.Background(), job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.False(t, fx.objects.has(job.UploadKey))
	assert.False(t, fx.objects.has(key))

	// A second sweep finds nothing to do.
	expired, err = fx.mgr.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestSweepFailsStalledPending(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, mib)
	fx.advance(11 * time.Minute)

	_, err := fx.mgr.SweepExpired(context.Background())
	require.NoError(t, err)

	got, err := fx.mgr.GetStatus(context.Background(), job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "stuck in pending")
	// Stall failures do not consume retry budget.
	assert.Equal(t, 0, got.RetryCount)
}

func TestDismiss(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, mib)

	err := fx.mgr.Dismiss(context.Background(), job.ID, "u1", jobs.RequestMeta{})
	var verr *jobs.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = fx.mgr.Complete(context.Background(), job.ID, mib/2, "report.pdf", "k")
	require.NoError(t, err)

	require.NoError(t, fx.mgr.Dismiss(context.Background(), job.ID, "u1", jobs.RequestMeta{}))
	listed, err := fx.mgr.ListJobs(context.Background(), "u1", jobs.FilterAll, 0)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestDismissPastDeadlineExpiresFirst(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, 2*mib)
	fx.advance(25 * time.Hour)

	require.NoError(t, fx.mgr.Dismiss(context.Background(), job.ID, "u1", jobs.RequestMeta{}))
	got, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.True(t, got.Dismissed)
}

func TestClearSession(t *testing.T) {
	fx := newFixture(t)
	a := fx.submit(t, 2*mib)
	b := fx.submit(t, 3*mib)

	affected, err := fx.mgr.ClearSession(context.Background(), "u1", jobs.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 2, affected)

	for _, id := range []string{a.ID, b.ID} {
		got, err := fx.store.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, got.Status)
	}
	state, err := fx.mgr.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.SessionStorageUsed)
	// Daily usage survives the session clear.
	assert.Equal(t, 2, state.DailyFileCount)
	assert.Equal(t, 5*mib, state.DailyStorageUsed)
}

func TestClearSessionReachesDismissedJobs(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, 2*mib)
	_, err := fx.mgr.Start(context.Background(), job.ID)
	require.NoError(t, err)
	key := fx.objects.ProcessedKey("u1", job.ID, "report.pdf")
	_, err = fx.objects.PutProcessedFrom(context.Background(), key, "")
	require.NoError(t, err)
	_, err = fx.mgr.Complete(context.Background(), job.ID, mib, "report.pdf", key)
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Dismiss(context.Background(), job.ID, "u1", jobs.RequestMeta{}))

	// Dismissal hides the job from listings, but its files still count
	// against the session until cleared.
	affected, err := fx.mgr.ClearSession(context.Background(), "u1", jobs.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	got, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.False(t, fx.objects.has(job.UploadKey))
	assert.False(t, fx.objects.has(key))

	state, err := fx.mgr.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.SessionStorageUsed)
}

// expireFailStore simulates a backend that cannot persist the expiry
// transition.
type expireFailStore struct {
	*storage.MemoryStore
	err error
}

func (s *expireFailStore) ExpireJob(context.Context, string, time.Time) (*model.Job, error) {
	return nil, s.err
}

func TestGetStatusKeepsStatusWhenExpireFails(t *testing.T) {
	base := storage.NewMemoryStore(quota.Limits{
		DailyFileLimit:      3,
		DailyStorageBytes:   10 * mib,
		SessionStorageBytes: 8 * mib,
		ConcurrentUploads:   2,
	})
	start := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	base.AddUser(&model.User{
		ID:            "u1",
		Email:         "u1@example.com",
		CreatedAt:     start,
		LastResetDate: quota.DateOnly(start),
	})
	flaky := &expireFailStore{MemoryStore: base, err: errors.New("store offline")}
	objects := newFakeObjects()
	log := logrus.New()
	log.SetOutput(io.Discard)
	current := start
	mgr := jobs.NewManager(flaky, objects, &fakeQueue{}, nil, log, jobs.Options{
		MaxFileSize: 25 * mib,
		Retention:   24 * time.Hour,
		RetryBudget: 1,
		Now:         func() time.Time { return current },
	})
	job, err := mgr.Submit(context.Background(), "u1", jobs.Upload{
		Filename: "report.pdf",
		Size:     2 * mib,
		Reader:   strings.NewReader(strings.Repeat("x", 16)),
		Preset:   "medium",
	}, jobs.RequestMeta{})
	require.NoError(t, err)

	current = start.Add(25 * time.Hour)

	// The deadline passed but the transition could not be recorded, so the
	// poll must not claim the job is expired.
	got, err := mgr.GetStatus(context.Background(), job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.True(t, objects.has(job.UploadKey))
}

func TestConcurrentStartOneWinner(t *testing.T) {
	fx := newFixture(t)
	job := fx.submit(t, mib)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.mgr.Start(context.Background(), job.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, jobs.ErrNotPending))
		}
	}
	assert.Equal(t, 1, wins)
}
