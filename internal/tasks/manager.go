package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/martinseidl/gridflow/internal/cache"
	"github.com/martinseidl/gridflow/internal/engine"
	"github.com/martinseidl/gridflow/internal/store"
	"github.com/martinseidl/gridflow/internal/workspace"
	"github.com/martinseidl/gridflow/pkg/models"
)

// Config carries the tunables of the background worker.
type Config struct {
	RedisURL           string
	Concurrency        int
	WorkspaceRoot      string
	WorkflowLimit      int
	LocalExecution     bool
	AdmitRetryInterval time.Duration
	PollInterval       time.Duration
	PollMaxInterval    time.Duration
	PollMaxDuration    time.Duration
}

// Manager processes admission, submission, and poll tasks.
type Manager struct {
	cfg      Config
	store    store.Store
	engine   engine.Client
	notifier cache.Notifier
	queue    taskQueue
	server   *asynq.Server

	// admitMu serializes admission sweeps so two concurrent sweeps cannot
	// both count the same free engine slot.
	admitMu sync.Mutex
}

// NewManager wires a worker against the shared queue.
func NewManager(cfg Config, client *Client, st store.Store, eng engine.Client, notifier cache.Notifier) (*Manager, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{queueName: 1},
	})
	return &Manager{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		notifier: notifier,
		queue:    client,
		server:   server,
	}, nil
}

// Run blocks processing tasks until Shutdown is called.
func (m *Manager) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeAdmit, m.handleAdmit)
	mux.HandleFunc(TypeSubmit, m.handleSubmit)
	mux.HandleFunc(TypePoll, m.handlePoll)
	return m.server.Run(mux)
}

func (m *Manager) Shutdown() {
	m.server.Shutdown()
}

// handleAdmit admits queued jobs oldest-first while the engine has capacity.
// If jobs remain waiting, another sweep is scheduled instead of blocking a
// worker slot.
func (m *Manager) handleAdmit(ctx context.Context, _ *asynq.Task) error {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	queued, err := m.store.ListQueuedJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}

	workflows, err := m.engine.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("listing engine workflows: %w", err)
	}
	inFlight := 0
	for _, wf := range workflows {
		if wf.Phase.InFlight() {
			inFlight++
		}
	}

	capacity := m.cfg.WorkflowLimit - inFlight
	admitted := 0
	for _, job := range queued {
		if admitted >= capacity {
			break
		}
		if err := m.queue.EnqueueSubmit(ctx, job.ID); err != nil {
			return fmt.Errorf("admitting job %s: %w", job.ID, err)
		}
		admitted++
	}

	if admitted > 0 {
		slog.Info("admitted queued jobs", "admitted", admitted, "in_flight", inFlight)
	}
	if admitted < len(queued) {
		slog.Info("engine at capacity, deferring admission",
			"in_flight", inFlight,
			"limit", m.cfg.WorkflowLimit,
			"waiting", len(queued)-admitted)
		return m.queue.enqueueAdmitAfter(ctx, m.cfg.AdmitRetryInterval)
	}
	return nil
}

// handleSubmit submits one admitted job to the engine and flips it to
// running. A job that was stopped or deleted between admission and now is
// skipped; a workflow created for a job that raced a stop is torn down again.
func (m *Manager) handleSubmit(ctx context.Context, t *asynq.Task) error {
	var p submitPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decoding submit payload: %v: %w", err, asynq.SkipRetry)
	}

	job, err := m.store.GetJob(ctx, p.JobID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("job vanished before submission", "job_id", p.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", p.JobID, err)
	}
	if job.Status != models.JobStatusQueued {
		slog.Info("skipping submission, job no longer queued",
			"job_id", job.ID, "status", job.Status)
		return nil
	}

	ws := workspace.New(m.cfg.WorkspaceRoot, job.UserID, job.ID)
	wf, err := m.engine.SubmitWorkflow(ctx, engine.SubmitRequest{
		JobID:        job.ID,
		UserID:       job.UserID,
		ProcessGraph: job.Process,
		Workspace:    ws.JobDir(),
		Local:        m.cfg.LocalExecution,
	})
	if err != nil {
		return fmt.Errorf("submitting workflow for job %s: %w", job.ID, err)
	}

	err = m.store.TransitionJob(ctx, job.ID,
		[]string{models.JobStatusQueued}, models.JobStatusRunning,
		store.WithWorkflowName(wf.Name))
	if err != nil {
		// The job was stopped or deleted after the workflow went out. The
		// workflow is orphaned now, tear it down.
		if stopErr := m.engine.StopWorkflow(ctx, wf.Name); stopErr != nil && !errors.Is(stopErr, engine.ErrWorkflowNotFound) {
			slog.Error("failed to stop orphaned workflow",
				"job_id", job.ID, "workflow", wf.Name, "error", stopErr)
		}
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			slog.Info("job withdrawn during submission", "job_id", job.ID)
			return nil
		}
		return fmt.Errorf("marking job %s running: %w", job.ID, err)
	}

	slog.Info("workflow submitted", "job_id", job.ID, "workflow", wf.Name)
	return m.queue.enqueuePoll(ctx, pollPayload{
		JobID:        job.ID,
		WorkflowName: wf.Name,
		Deadline:     time.Now().Add(m.cfg.PollMaxDuration),
	}, m.cfg.PollInterval)
}

// handlePoll checks a running job's workflow once. Non-terminal phases
// reschedule the poll with exponential backoff; a job over its deadline is
// forced into error instead of being polled forever.
func (m *Manager) handlePoll(ctx context.Context, t *asynq.Task) error {
	var p pollPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decoding poll payload: %v: %w", err, asynq.SkipRetry)
	}

	wf, err := m.engine.GetWorkflow(ctx, p.WorkflowName)
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		slog.Warn("workflow disappeared from engine",
			"job_id", p.JobID, "workflow", p.WorkflowName)
		return m.finalize(ctx, p.JobID, models.JobStatusError)
	}
	if err != nil {
		return fmt.Errorf("fetching workflow %s: %w", p.WorkflowName, err)
	}

	switch wf.Phase {
	case engine.PhaseSucceeded:
		return m.finalize(ctx, p.JobID, models.JobStatusFinished)
	case engine.PhaseFailed, engine.PhaseError:
		return m.finalize(ctx, p.JobID, models.JobStatusError)
	}

	if time.Now().After(p.Deadline) {
		slog.Error("job exceeded maximum runtime",
			"job_id", p.JobID, "workflow", p.WorkflowName)
		if stopErr := m.engine.StopWorkflow(ctx, p.WorkflowName); stopErr != nil && !errors.Is(stopErr, engine.ErrWorkflowNotFound) {
			slog.Error("failed to stop overdue workflow",
				"job_id", p.JobID, "workflow", p.WorkflowName, "error", stopErr)
		}
		return m.finalize(ctx, p.JobID, models.JobStatusError)
	}

	p.Attempt++
	return m.queue.enqueuePoll(ctx, p, m.pollDelay(p.Attempt))
}

// finalize records the terminal status and announces it. A conflict means the
// job was stopped or deleted while polling, which is not an error.
func (m *Manager) finalize(ctx context.Context, jobID uuid.UUID, status string) error {
	err := m.store.TransitionJob(ctx, jobID, []string{models.JobStatusRunning}, status)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		slog.Info("job withdrawn before completion", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalizing job %s as %s: %w", jobID, status, err)
	}

	slog.Info("job reached terminal state", "job_id", jobID, "status", status)
	if err := m.notifier.PublishJobUpdate(ctx, jobID, status); err != nil {
		slog.Error("failed to publish job update", "job_id", jobID, "error", err)
	}

	// A finished workflow frees an engine slot; sweep the waiting list now
	// instead of waiting for the next deferred sweep.
	if err := m.queue.EnqueueAdmit(ctx); err != nil {
		slog.Error("failed to trigger admission sweep", "error", err)
	}
	return nil
}

// pollDelay doubles the base interval per attempt up to the configured cap.
func (m *Manager) pollDelay(attempt int) time.Duration {
	d := m.cfg.PollInterval
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.PollMaxInterval {
			return m.cfg.PollMaxInterval
		}
	}
	return d
}
