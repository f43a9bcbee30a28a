package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfpress/pdfpress/internal/gs"
	"github.com/pdfpress/pdfpress/internal/jobs"
	"github.com/pdfpress/pdfpress/internal/model"
	"github.com/pdfpress/pdfpress/internal/queue"
	"github.com/pdfpress/pdfpress/internal/quota"
	"github.com/pdfpress/pdfpress/internal/storage"
)

type stubObjects struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newStubObjects() *stubObjects {
	return &stubObjects{blobs: map[string][]byte{}}
}

func (s *stubObjects) UploadKey(userID, jobID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s/%s", userID, jobID, filename)
}

func (s *stubObjects) ProcessedKey(userID, jobID, filename string) string {
	return fmt.Sprintf("processed/%s/%s/%s", userID, jobID, filename)
}

func (s *stubObjects) PutUpload(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
	return nil
}

func (s *stubObjects) FetchUploadTo(_ context.Context, key, path string) error {
	s.mu.Lock()
	data, ok := s.blobs[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no object %s", key)
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *stubObjects) PutProcessedFrom(_ context.Context, key, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
	return int64(len(data)), nil
}

func (s *stubObjects) OpenProcessed(_ context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

func (s *stubObjects) RemoveUpload(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *stubObjects) RemoveProcessed(_ context.Context, key string) error {
	return s.RemoveUpload(nil, key)
}

type stubQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (q *stubQueue) EnqueueCompress(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

type stubCompressor struct {
	output []byte
	err    error
	onRun  func()
}

func (c *stubCompressor) Compress(_ context.Context, _, _, outputPath string) (gs.Result, error) {
	if c.onRun != nil {
		c.onRun()
	}
	if c.err != nil {
		return gs.Result{}, c.err
	}
	if err := os.WriteFile(outputPath, c.output, 0o600); err != nil {
		return gs.Result{}, err
	}
	return gs.Result{OutputSize: int64(len(c.output)), Elapsed: time.Second}, nil
}

type env struct {
	store   *storage.MemoryStore
	objects *stubObjects
	manager *jobs.Manager
	queue   *stubQueue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore(quota.Limits{
		DailyFileLimit:      10,
		DailyStorageBytes:   100 << 20,
		SessionStorageBytes: 100 << 20,
		ConcurrentUploads:   10,
	})
	store.AddUser(&model.User{ID: "u1", Email: "u1@example.com", CreatedAt: now, LastResetDate: quota.DateOnly(now)})
	objects := newStubObjects()
	q := &stubQueue{}
	log := logrus.New()
	log.SetOutput(io.Discard)
	manager := jobs.NewManager(store, objects, q, nil, log, jobs.Options{
		MaxFileSize: 25 << 20,
		Retention:   24 * time.Hour,
		RetryBudget: 1,
	})
	return &env{store: store, objects: objects, manager: manager, queue: q}
}

func (e *env) submit(t *testing.T) *model.Job {
	t.Helper()
	job, err := e.manager.Submit(context.Background(), "u1", jobs.Upload{
		Filename: "scan.pdf",
		Size:     1 << 20,
		Reader:   bytesReader(1 << 10),
		Preset:   "medium",
	}, jobs.RequestMeta{})
	require.NoError(t, err)
	return job
}

func bytesReader(n int) io.Reader {
	return io.LimitReader(zeroReader{}, int64(n))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func compressTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(queue.CompressPayload{JobID: jobID})
	require.NoError(t, err)
	return asynq.NewTask(queue.CompressJobTask, data)
}

func TestHandleCompressSuccess(t *testing.T) {
	e := newEnv(t)
	job := e.submit(t)
	p := NewProcessor(e.manager, e.objects, &stubCompressor{output: []byte("%PDF-1.4 small")}, nil, t.TempDir())

	require.NoError(t, p.handleCompress(context.Background(), compressTask(t, job.ID)))

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.ProcessedSize)
	assert.Equal(t, int64(len("%PDF-1.4 small")), *got.ProcessedSize)
	require.NotNil(t, got.ProcessedFilename)
	assert.Equal(t, "scan_compressed_medium.pdf", *got.ProcessedFilename)
	assert.NotEmpty(t, got.ProcessedKey)
}

func TestHandleCompressFailureRequeues(t *testing.T) {
	e := newEnv(t)
	job := e.submit(t)
	p := NewProcessor(e.manager, e.objects, &stubCompressor{err: errors.New("gs exploded")}, nil, t.TempDir())

	// The handler reports success to the queue; the lifecycle owns the retry.
	require.NoError(t, p.handleCompress(context.Background(), compressTask(t, job.ID)))

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Len(t, e.queue.enqueued, 2)
}

func TestHandleCompressExhaustsBudget(t *testing.T) {
	e := newEnv(t)
	job := e.submit(t)
	p := NewProcessor(e.manager, e.objects, &stubCompressor{err: errors.New("gs exploded")}, nil, t.TempDir())

	require.NoError(t, p.handleCompress(context.Background(), compressTask(t, job.ID)))
	require.NoError(t, p.handleCompress(context.Background(), compressTask(t, job.ID)))

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestHandleCompressLostRaceRemovesArtifact(t *testing.T) {
	e := newEnv(t)
	job := e.submit(t)

	// The job expires mid-run, so Complete loses the compare-and-swap and
	// the stored artifact must not be left behind.
	comp := &stubCompressor{output: []byte("%PDF-1.4 small")}
	comp.onRun = func() {
		_, err := e.store.ExpireJob(context.Background(), job.ID, time.Now())
		require.NoError(t, err)
	}
	p := NewProcessor(e.manager, e.objects, comp, nil, t.TempDir())

	require.NoError(t, p.handleCompress(context.Background(), compressTask(t, job.ID)))

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)

	processedKey := e.objects.ProcessedKey(job.UserID, job.ID, "scan_compressed_medium.pdf")
	e.objects.mu.Lock()
	_, exists := e.objects.blobs[processedKey]
	e.objects.mu.Unlock()
	assert.False(t, exists, "processed artifact should be removed when completion is rejected")
}

func TestHandleCompressSkipsNonPending(t *testing.T) {
	e := newEnv(t)
	job := e.submit(t)
	_, err := e.manager.Start(context.Background(), job.ID)
	require.NoError(t, err)

	p := NewProcessor(e.manager, e.objects, &stubCompressor{output: []byte("x")}, nil, t.TempDir())
	require.NoError(t, p.handleCompress(context.Background(), compressTask(t, job.ID)))

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
}

func TestHandleCompressBadPayload(t *testing.T) {
	e := newEnv(t)
	p := NewProcessor(e.manager, e.objects, &stubCompressor{}, nil, t.TempDir())
	err := p.handleCompress(context.Background(), asynq.NewTask(queue.CompressJobTask, []byte("{")))
	assert.Error(t, err)
}
