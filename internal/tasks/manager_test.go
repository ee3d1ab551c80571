package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/martinseidl/gridflow/internal/engine"
	"github.com/martinseidl/gridflow/internal/store"
	"github.com/martinseidl/gridflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeStore struct {
	jobs          map[uuid.UUID]*models.Job
	queued        []*models.Job
	transitionErr error
	transitions   []string
}

func newFakeStore(jobs ...*models.Job) *fakeStore {
	fs := &fakeStore{jobs: make(map[uuid.UUID]*models.Job)}
	for _, j := range jobs {
		fs.jobs[j.ID] = j
		if j.Status == models.JobStatusQueued {
			fs.queued = append(fs.queued, j)
		}
	}
	return fs
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateUser(context.Context, *models.User) error { return nil }

func (f *fakeStore) GetUser(context.Context, uuid.UUID) (*models.User, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}

func (f *fakeStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }

func (f *fakeStore) CreateJob(_ context.Context, job *models.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) ListJobs(context.Context, store.JobFilter) ([]*models.Job, int, error) {
	return nil, 0, nil
}

func (f *fakeStore) ListQueuedJobs(context.Context) ([]*models.Job, error) {
	return f.queued, nil
}

func (f *fakeStore) TransitionJob(_ context.Context, id uuid.UUID, from []string, to string, opts ...store.TransitionOption) error {
	f.transitions = append(f.transitions, to)
	if f.transitionErr != nil {
		return f.transitionErr
	}
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	matched := false
	for _, s := range from {
		if job.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return store.ErrConflict
	}
	job.Status = to
	return nil
}

func (f *fakeStore) DeleteJob(_ context.Context, id uuid.UUID, _ uuid.UUID) error {
	delete(f.jobs, id)
	return nil
}

type fakeEngine struct {
	workflows []engine.Workflow
	getWf     *engine.Workflow
	getErr    error
	submitErr error
	submitted []engine.SubmitRequest
	stopped   []string
}

func (f *fakeEngine) ListWorkflows(context.Context) ([]engine.Workflow, error) {
	return f.workflows, nil
}

func (f *fakeEngine) GetWorkflow(context.Context, string) (*engine.Workflow, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.getWf, nil
}

func (f *fakeEngine) SubmitWorkflow(_ context.Context, req engine.SubmitRequest) (*engine.Workflow, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return &engine.Workflow{Name: "graph-run-test1", Phase: engine.PhasePending}, nil
}

func (f *fakeEngine) StopWorkflow(_ context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeEngine) WorkflowLogs(context.Context, string) ([]string, error) {
	return nil, nil
}

type fakeQueue struct {
	admits     int
	admitAfter []time.Duration
	submits    []uuid.UUID
	polls      []pollPayload
	pollDelays []time.Duration
}

func (f *fakeQueue) EnqueueAdmit(context.Context) error {
	f.admits++
	return nil
}

func (f *fakeQueue) EnqueueSubmit(_ context.Context, jobID uuid.UUID) error {
	f.submits = append(f.submits, jobID)
	return nil
}

func (f *fakeQueue) enqueueAdmitAfter(_ context.Context, delay time.Duration) error {
	f.admitAfter = append(f.admitAfter, delay)
	return nil
}

func (f *fakeQueue) enqueuePoll(_ context.Context, p pollPayload, delay time.Duration) error {
	f.polls = append(f.polls, p)
	f.pollDelays = append(f.pollDelays, delay)
	return nil
}

type fakeNotifier struct {
	published []string
}

func (f *fakeNotifier) PublishJobUpdate(_ context.Context, _ uuid.UUID, status string) error {
	f.published = append(f.published, status)
	return nil
}

func (f *fakeNotifier) SubscribeJobUpdates(context.Context, uuid.UUID) (<-chan string, func(), error) {
	ch := make(chan string)
	return ch, func() {}, nil
}

func newTestManager(fs *fakeStore, fe *fakeEngine, fq *fakeQueue, fn *fakeNotifier) *Manager {
	return &Manager{
		cfg: Config{
			WorkspaceRoot:      "/data/workspaces",
			WorkflowLimit:      2,
			AdmitRetryInterval: 5 * time.Minute,
			PollInterval:       15 * time.Second,
			PollMaxInterval:    5 * time.Minute,
			PollMaxDuration:    24 * time.Hour,
		},
		store:    fs,
		engine:   fe,
		notifier: fn,
		queue:    fq,
	}
}

func queuedJob() *models.Job {
	return &models.Job{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Status:    models.JobStatusQueued,
		ProcessID: "p1",
		Process:   json.RawMessage(`{"add":{"process_id":"add"}}`),
	}
}

func admitTask() *asynq.Task { return asynq.NewTask(TypeAdmit, nil) }

func submitTask(t *testing.T, jobID uuid.UUID) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(submitPayload{JobID: jobID})
	require.NoError(t, err)
	return asynq.NewTask(TypeSubmit, payload)
}

func pollTask(t *testing.T, p pollPayload) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	return asynq.NewTask(TypePoll, payload)
}

// --- admission ---

func TestHandleAdmit_CapacityAvailable(t *testing.T) {
	j1, j2 := queuedJob(), queuedJob()
	fs := newFakeStore(j1, j2)
	fq := &fakeQueue{}
	m := newTestManager(fs, &fakeEngine{}, fq, &fakeNotifier{})

	require.NoError(t, m.handleAdmit(context.Background(), admitTask()))

	assert.Equal(t, []uuid.UUID{j1.ID, j2.ID}, fq.submits)
	assert.Empty(t, fq.admitAfter)
}

func TestHandleAdmit_AtCapacity(t *testing.T) {
	fs := newFakeStore(queuedJob())
	fe := &fakeEngine{workflows: []engine.Workflow{
		{Name: "graph-run-a", Phase: engine.PhaseRunning},
		{Name: "graph-run-b", Phase: engine.PhasePending},
	}}
	fq := &fakeQueue{}
	m := newTestManager(fs, fe, fq, &fakeNotifier{})

	require.NoError(t, m.handleAdmit(context.Background(), admitTask()))

	assert.Empty(t, fq.submits, "no capacity, nothing may be submitted")
	require.Len(t, fq.admitAfter, 1)
	assert.Equal(t, 5*time.Minute, fq.admitAfter[0])
}

func TestHandleAdmit_PartialCapacity(t *testing.T) {
	j1, j2, j3 := queuedJob(), queuedJob(), queuedJob()
	fs := newFakeStore(j1, j2, j3)
	fe := &fakeEngine{workflows: []engine.Workflow{
		{Name: "graph-run-a", Phase: engine.PhaseRunning},
		{Name: "graph-run-done", Phase: engine.PhaseSucceeded},
	}}
	fq := &fakeQueue{}
	m := newTestManager(fs, fe, fq, &fakeNotifier{})

	require.NoError(t, m.handleAdmit(context.Background(), admitTask()))

	// One slot free: the oldest queued job goes first, the rest wait.
	assert.Equal(t, []uuid.UUID{j1.ID}, fq.submits)
	require.Len(t, fq.admitAfter, 1)
}

func TestHandleAdmit_NothingQueued(t *testing.T) {
	fq := &fakeQueue{}
	m := newTestManager(newFakeStore(), &fakeEngine{}, fq, &fakeNotifier{})

	require.NoError(t, m.handleAdmit(context.Background(), admitTask()))

	assert.Empty(t, fq.submits)
	assert.Empty(t, fq.admitAfter)
}

// --- submission ---

func TestHandleSubmit(t *testing.T) {
	job := queuedJob()
	fs := newFakeStore(job)
	fe := &fakeEngine{}
	fq := &fakeQueue{}
	m := newTestManager(fs, fe, fq, &fakeNotifier{})

	require.NoError(t, m.handleSubmit(context.Background(), submitTask(t, job.ID)))

	require.Len(t, fe.submitted, 1)
	assert.Equal(t, job.ID, fe.submitted[0].JobID)
	assert.Equal(t, "/data/workspaces/"+job.UserID.String()+"/"+job.ID.String(),
		fe.submitted[0].Workspace)

	assert.Equal(t, models.JobStatusRunning, job.Status)

	require.Len(t, fq.polls, 1)
	assert.Equal(t, job.ID, fq.polls[0].JobID)
	assert.Equal(t, "graph-run-test1", fq.polls[0].WorkflowName)
	assert.Equal(t, 15*time.Second, fq.pollDelays[0])
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), fq.polls[0].Deadline, time.Minute)
}

func TestHandleSubmit_JobNoLongerQueued(t *testing.T) {
	job := queuedJob()
	job.Status = models.JobStatusCreated
	fs := newFakeStore(job)
	fe := &fakeEngine{}
	m := newTestManager(fs, fe, &fakeQueue{}, &fakeNotifier{})

	require.NoError(t, m.handleSubmit(context.Background(), submitTask(t, job.ID)))

	assert.Empty(t, fe.submitted, "stopped job must not reach the engine")
}

func TestHandleSubmit_JobDeleted(t *testing.T) {
	fe := &fakeEngine{}
	m := newTestManager(newFakeStore(), fe, &fakeQueue{}, &fakeNotifier{})

	require.NoError(t, m.handleSubmit(context.Background(), submitTask(t, uuid.New())))

	assert.Empty(t, fe.submitted)
}

func TestHandleSubmit_RacedStopTearsDownWorkflow(t *testing.T) {
	job := queuedJob()
	fs := newFakeStore(job)
	fs.transitionErr = store.ErrConflict
	fe := &fakeEngine{}
	fq := &fakeQueue{}
	m := newTestManager(fs, fe, fq, &fakeNotifier{})

	require.NoError(t, m.handleSubmit(context.Background(), submitTask(t, job.ID)))

	assert.Equal(t, []string{"graph-run-test1"}, fe.stopped)
	assert.Empty(t, fq.polls, "withdrawn job must not be polled")
}

// --- polling ---

func TestHandlePoll_Succeeded(t *testing.T) {
	job := queuedJob()
	job.Status = models.JobStatusRunning
	fs := newFakeStore(job)
	fe := &fakeEngine{getWf: &engine.Workflow{Name: "graph-run-x", Phase: engine.PhaseSucceeded}}
	fq := &fakeQueue{}
	fn := &fakeNotifier{}
	m := newTestManager(fs, fe, fq, fn)

	p := pollPayload{JobID: job.ID, WorkflowName: "graph-run-x", Deadline: time.Now().Add(time.Hour)}
	require.NoError(t, m.handlePoll(context.Background(), pollTask(t, p)))

	assert.Equal(t, models.JobStatusFinished, job.Status)
	assert.Equal(t, []string{models.JobStatusFinished}, fn.published)
	assert.Empty(t, fq.polls, "terminal job must not be polled again")
	assert.Equal(t, 1, fq.admits, "freed slot should trigger a sweep")
}

func TestHandlePoll_Failed(t *testing.T) {
	job := queuedJob()
	job.Status = models.JobStatusRunning
	fs := newFakeStore(job)
	fe := &fakeEngine{getWf: &engine.Workflow{Name: "graph-run-x", Phase: engine.PhaseFailed}}
	fn := &fakeNotifier{}
	m := newTestManager(fs, fe, &fakeQueue{}, fn)

	p := pollPayload{JobID: job.ID, WorkflowName: "graph-run-x", Deadline: time.Now().Add(time.Hour)}
	require.NoError(t, m.handlePoll(context.Background(), pollTask(t, p)))

	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, []string{models.JobStatusError}, fn.published)
}

func TestHandlePoll_StillRunningReschedulesWithBackoff(t *testing.T) {
	job := queuedJob()
	job.Status = models.JobStatusRunning
	fs := newFakeStore(job)
	fe := &fakeEngine{getWf: &engine.Workflow{Name: "graph-run-x", Phase: engine.PhaseRunning}}
	fq := &fakeQueue{}
	m := newTestManager(fs, fe, fq, &fakeNotifier{})

	p := pollPayload{JobID: job.ID, WorkflowName: "graph-run-x", Attempt: 2, Deadline: time.Now().Add(time.Hour)}
	require.NoError(t, m.handlePoll(context.Background(), pollTask(t, p)))

	assert.Equal(t, models.JobStatusRunning, job.Status)
	require.Len(t, fq.polls, 1)
	assert.Equal(t, 3, fq.polls[0].Attempt)
	assert.Equal(t, 2*time.Minute, fq.pollDelays[0])
}

func TestHandlePoll_WorkflowGone(t *testing.T) {
	job := queuedJob()
	job.Status = models.JobStatusRunning
	fs := newFakeStore(job)
	fe := &fakeEngine{getErr: engine.ErrWorkflowNotFound}
	fn := &fakeNotifier{}
	m := newTestManager(fs, fe, &fakeQueue{}, fn)

	p := pollPayload{JobID: job.ID, WorkflowName: "graph-run-x", Deadline: time.Now().Add(time.Hour)}
	require.NoError(t, m.handlePoll(context.Background(), pollTask(t, p)))

	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, []string{models.JobStatusError}, fn.published)
}

func TestHandlePoll_DeadlineExceeded(t *testing.T) {
	job := queuedJob()
	job.Status = models.JobStatusRunning
	fs := newFakeStore(job)
	fe := &fakeEngine{getWf: &engine.Workflow{Name: "graph-run-x", Phase: engine.PhaseRunning}}
	fq := &fakeQueue{}
	m := newTestManager(fs, fe, fq, &fakeNotifier{})

	p := pollPayload{JobID: job.ID, WorkflowName: "graph-run-x", Deadline: time.Now().Add(-time.Minute)}
	require.NoError(t, m.handlePoll(context.Background(), pollTask(t, p)))

	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, []string{"graph-run-x"}, fe.stopped)
	assert.Empty(t, fq.polls)
}

func TestHandlePoll_JobStoppedMeanwhile(t *testing.T) {
	job := queuedJob()
	job.Status = models.JobStatusCreated // stop reset it
	fs := newFakeStore(job)
	fe := &fakeEngine{getWf: &engine.Workflow{Name: "graph-run-x", Phase: engine.PhaseSucceeded}}
	fn := &fakeNotifier{}
	m := newTestManager(fs, fe, &fakeQueue{}, fn)

	p := pollPayload{JobID: job.ID, WorkflowName: "graph-run-x", Deadline: time.Now().Add(time.Hour)}
	require.NoError(t, m.handlePoll(context.Background(), pollTask(t, p)))

	assert.Equal(t, models.JobStatusCreated, job.Status)
	assert.Empty(t, fn.published, "withdrawn job must not be announced")
}

func TestPollDelay(t *testing.T) {
	m := newTestManager(newFakeStore(), &fakeEngine{}, &fakeQueue{}, &fakeNotifier{})

	assert.Equal(t, 15*time.Second, m.pollDelay(0))
	assert.Equal(t, 30*time.Second, m.pollDelay(1))
	assert.Equal(t, time.Minute, m.pollDelay(2))
	assert.Equal(t, 4*time.Minute, m.pollDelay(4))
	assert.Equal(t, 5*time.Minute, m.pollDelay(5))
	assert.Equal(t, 5*time.Minute, m.pollDelay(50))
}
