// Package tasks runs the asynchronous side of job execution: admission of
// queued jobs under the engine concurrency limit, workflow submission, and
// status polling until a terminal state. Work is carried by asynq tasks so a
// server restart never loses an in-flight job.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeAdmit  = "job:admit"
	TypeSubmit = "job:submit"
	TypePoll   = "job:poll"
)

const queueName = "gridflow"

// admitRetryID deduplicates deferred admission sweeps: while one waits in the
// scheduler, further deferrals are no-ops.
const admitRetryID = "job:admit:retry"

type submitPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

type pollPayload struct {
	JobID        uuid.UUID `json:"job_id"`
	WorkflowName string    `json:"workflow_name"`
	Attempt      int       `json:"attempt"`
	Deadline     time.Time `json:"deadline"`
}

// Enqueuer is the surface the HTTP handlers need to kick off background work.
type Enqueuer interface {
	EnqueueAdmit(ctx context.Context) error
	EnqueueSubmit(ctx context.Context, jobID uuid.UUID) error
}

// taskQueue is the full enqueue surface the worker handlers use.
type taskQueue interface {
	Enqueuer
	enqueueAdmitAfter(ctx context.Context, delay time.Duration) error
	enqueuePoll(ctx context.Context, p pollPayload, delay time.Duration) error
}

// Client enqueues tasks onto the shared Redis-backed queue.
type Client struct {
	inner *asynq.Client
}

// NewClient creates a task client from a Redis URL.
func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &Client{inner: asynq.NewClient(opt)}, nil
}

func (c *Client) Close() error {
	return c.inner.Close()
}

// EnqueueAdmit triggers an immediate admission sweep over all queued jobs.
func (c *Client) EnqueueAdmit(ctx context.Context) error {
	_, err := c.inner.EnqueueContext(ctx, asynq.NewTask(TypeAdmit, nil),
		asynq.Queue(queueName))
	if err != nil {
		return fmt.Errorf("enqueueing admission sweep: %w", err)
	}
	return nil
}

// EnqueueSubmit schedules workflow submission for one job. Submissions are
// deduplicated per job, so enqueueing twice while the first task is pending
// is harmless.
func (c *Client) EnqueueSubmit(ctx context.Context, jobID uuid.UUID) error {
	payload, err := json.Marshal(submitPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("encoding submit payload: %w", err)
	}
	_, err = c.inner.EnqueueContext(ctx, asynq.NewTask(TypeSubmit, payload),
		asynq.Queue(queueName),
		asynq.TaskID(TypeSubmit+":"+jobID.String()),
		asynq.MaxRetry(3))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueueing submission for job %s: %w", jobID, err)
	}
	return nil
}

func (c *Client) enqueueAdmitAfter(ctx context.Context, delay time.Duration) error {
	_, err := c.inner.EnqueueContext(ctx, asynq.NewTask(TypeAdmit, nil),
		asynq.Queue(queueName),
		asynq.TaskID(admitRetryID),
		asynq.ProcessIn(delay))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deferring admission sweep: %w", err)
	}
	return nil
}

func (c *Client) enqueuePoll(ctx context.Context, p pollPayload, delay time.Duration) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding poll payload: %w", err)
	}
	_, err = c.inner.EnqueueContext(ctx, asynq.NewTask(TypePoll, payload),
		asynq.Queue(queueName),
		asynq.ProcessIn(delay))
	if err != nil {
		return fmt.Errorf("enqueueing poll for job %s: %w", p.JobID, err)
	}
	return nil
}
