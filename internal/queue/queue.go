// Package queue defines the asynq task types shared by the API and the
// worker, and the client wrapper the job manager enqueues through.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// CompressJobTask is scheduled each time a PDF is accepted for
	// compression.
	CompressJobTask = "job:compress"
	// SweepTask drives expiry and stalled-job cleanup on a schedule.
	SweepTask = "job:sweep"
)

// CompressPayload tells the worker which job to process.
type CompressPayload struct {
	JobID string `json:"job_id"`
}

// Client enqueues compression tasks.
type Client struct {
	inner *asynq.Client
}

// NewClient wraps an asynq client connected to Redis.
func NewClient(opt asynq.RedisClientOpt) *Client {
	return &Client{inner: asynq.NewClient(opt)}
}

// EnqueueCompress schedules the job for a worker. Retries are owned by the
// job lifecycle itself, not the queue, so delivery attempts are capped at one.
func (c *Client) EnqueueCompress(ctx context.Context, jobID string) error {
	data, err := json.Marshal(CompressPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(CompressJobTask, data)
	if _, err := c.inner.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue compress task: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.inner.Close()
}
