// Package worker runs the asynq side of the pipeline: it picks accepted jobs
// off the queue, runs Ghostscript on them, and records the outcome through
// the job manager.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/pdfpress/pdfpress/internal/gs"
	"github.com/pdfpress/pdfpress/internal/jobs"
	"github.com/pdfpress/pdfpress/internal/queue"
)

// Compressor is the slice of the Ghostscript engine the processor needs.
type Compressor interface {
	Compress(ctx context.Context, presetKey, inputPath, outputPath string) (gs.Result, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	manager    *jobs.Manager
	objects    jobs.ObjectStore
	compressor Compressor
	log        *logrus.Logger
	workDir    string
}

// NewProcessor constructs a worker processor. workDir is where job files are
// staged for Ghostscript; empty means the system temp directory.
func NewProcessor(manager *jobs.Manager, objects jobs.ObjectStore, compressor Compressor, log *logrus.Logger, workDir string) *Processor {
	if log == nil {
		log = logrus.New()
	}
	return &Processor{
		manager:    manager,
		objects:    objects,
		compressor: compressor,
		log:        log,
		workDir:    workDir,
	}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.CompressJobTask, p.handleCompress)
	mux.HandleFunc(queue.SweepTask, p.handleSweep)
	return mux
}

// handleCompress always returns nil on job-level failures: the lifecycle owns
// retries, so the queue must never redeliver on its own.
func (p *Processor) handleCompress(ctx context.Context, task *asynq.Task) error {
	var payload queue.CompressPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	log := p.log.WithField("job", payload.JobID)

	job, err := p.manager.Start(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotPending) {
			// Another worker won the job, or it already expired.
			log.Info("job no longer pending, skipping")
			return nil
		}
		return fmt.Errorf("start job: %w", err)
	}

	dir, err := os.MkdirTemp(p.workDir, "pdfpress-*")
	if err != nil {
		p.fail(ctx, log, payload.JobID, fmt.Sprintf("stage work dir: %v", err))
		return nil
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input.pdf")
	outputPath := filepath.Join(dir, "output.pdf")

	if err := p.objects.FetchUploadTo(ctx, job.UploadKey, inputPath); err != nil {
		p.fail(ctx, log, payload.JobID, fmt.Sprintf("fetch upload: %v", err))
		return nil
	}

	result, err := p.compressor.Compress(ctx, job.QualityPreset, inputPath, outputPath)
	if err != nil {
		p.fail(ctx, log, payload.JobID, err.Error())
		return nil
	}

	processedName := jobs.DownloadFilename(job)
	processedKey := p.objects.ProcessedKey(job.UserID, job.ID, processedName)
	size, err := p.objects.PutProcessedFrom(ctx, processedKey, outputPath)
	if err != nil {
		p.fail(ctx, log, payload.JobID, fmt.Sprintf("store processed file: %v", err))
		return nil
	}

	done, err := p.manager.Complete(ctx, payload.JobID, size, processedName, processedKey)
	if err != nil {
		// The job expired mid-run. The sweep already ran against the row's
		// old keys, so the artifact stored above must go now or never.
		log.WithError(err).Warn("completion rejected")
		if rmErr := p.objects.RemoveProcessed(ctx, processedKey); rmErr != nil {
			log.WithError(rmErr).Error("remove unclaimed processed file")
		}
		return nil
	}
	log.WithFields(logrus.Fields{
		"original_size":  done.OriginalSize,
		"processed_size": size,
		"elapsed":        result.Elapsed,
	}).Info("job compressed")
	return nil
}

func (p *Processor) fail(ctx context.Context, log *logrus.Entry, jobID, msg string) {
	retry, err := p.manager.Fail(ctx, jobID, msg)
	if err != nil {
		log.WithError(err).Error("record job failure")
		return
	}
	log.WithField("retry", retry).Warn(msg)
}

func (p *Processor) handleSweep(ctx context.Context, _ *asynq.Task) error {
	expired, err := p.manager.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if expired > 0 {
		p.log.WithField("expired", expired).Info("sweep finished")
	}
	return nil
}
