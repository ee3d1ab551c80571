package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/martinseidl/gridflow/internal/api/middleware"
	"github.com/martinseidl/gridflow/internal/engine"
	"github.com/martinseidl/gridflow/internal/store"
	"github.com/martinseidl/gridflow/internal/urlsign"
	"github.com/martinseidl/gridflow/pkg/models"
)

// Shared fakes for the handler tests.

type fakeStore struct {
	jobs      map[uuid.UUID]*models.Job
	createErr error
}

func newFakeStore(jobs ...*models.Job) *fakeStore {
	fs := &fakeStore{jobs: make(map[uuid.UUID]*models.Job)}
	for _, j := range jobs {
		fs.jobs[j.ID] = j
	}
	return fs
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateUser(context.Context, *models.User) error { return nil }

func (f *fakeStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	return &models.User{ID: id}, nil
}

func (f *fakeStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}

func (f *fakeStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }

func (f *fakeStore) CreateJob(_ context.Context, job *models.Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
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

func (f *fakeStore) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	var jobs []*models.Job
	for _, j := range f.jobs {
		if j.UserID == filter.UserID {
			jobs = append(jobs, j)
		}
	}
	return jobs, len(jobs), nil
}

func (f *fakeStore) ListQueuedJobs(context.Context) ([]*models.Job, error) {
	return nil, nil
}

func (f *fakeStore) TransitionJob(_ context.Context, id uuid.UUID, from []string, to string, opts ...store.TransitionOption) error {
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, s := range from {
		if job.Status == s {
			job.Status = to
			return nil
		}
	}
	return store.ErrConflict
}

func (f *fakeStore) DeleteJob(_ context.Context, id uuid.UUID, _ uuid.UUID) error {
	if _, ok := f.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.jobs, id)
	return nil
}

type fakeEngine struct {
	logs    []string
	logsErr error
	stopErr error
	stopped []string
}

func (f *fakeEngine) ListWorkflows(context.Context) ([]engine.Workflow, error) {
	return nil, nil
}

func (f *fakeEngine) GetWorkflow(context.Context, string) (*engine.Workflow, error) {
	return nil, engine.ErrWorkflowNotFound
}

func (f *fakeEngine) SubmitWorkflow(context.Context, engine.SubmitRequest) (*engine.Workflow, error) {
	return &engine.Workflow{Name: "graph-run-test1"}, nil
}

func (f *fakeEngine) StopWorkflow(_ context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	return f.stopErr
}

func (f *fakeEngine) WorkflowLogs(context.Context, string) ([]string, error) {
	return f.logs, f.logsErr
}

type fakeQueue struct {
	admits    int
	submits   []uuid.UUID
	submitErr error
}

func (f *fakeQueue) EnqueueAdmit(context.Context) error {
	f.admits++
	return nil
}

func (f *fakeQueue) EnqueueSubmit(_ context.Context, jobID uuid.UUID) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submits = append(f.submits, jobID)
	return nil
}

type fakeNotifier struct {
	onSubscribe func(jobID uuid.UUID, ch chan string)
}

func (f *fakeNotifier) PublishJobUpdate(context.Context, uuid.UUID, string) error { return nil }

func (f *fakeNotifier) SubscribeJobUpdates(_ context.Context, jobID uuid.UUID) (<-chan string, func(), error) {
	ch := make(chan string, 1)
	if f.onSubscribe != nil {
		f.onSubscribe(jobID, ch)
	}
	return ch, func() {}, nil
}

const testSecret = "c2VjcmV0LXNpZ25pbmcta2V5" // base64url("secret-signing-key")

func testSigner() *urlsign.Signer {
	s, err := urlsign.New(map[string]string{"default": testSecret})
	if err != nil {
		panic(err)
	}
	return s
}

func testConfig(workspaceRoot string) Config {
	return Config{
		PublicURL:         "http://api.test",
		APIPrefix:         "/api/v1",
		WorkspaceRoot:     workspaceRoot,
		SignKeyName:       "default",
		SignTTL:           7 * 24 * time.Hour,
		SyncCheckInterval: 20 * time.Millisecond,
		SyncTimeout:       2 * time.Second,
	}
}

// asUser injects the authenticated user the way the auth middleware would.
func asUser(r *http.Request, userID uuid.UUID) *http.Request {
	return r.WithContext(mw.SetUserID(r.Context(), userID))
}

// withJobID injects a chi route parameter the way the router would.
func withJobID(r *http.Request, jobID uuid.UUID) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("jobID", jobID.String())
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withWildcard(r *http.Request, rest string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("*", rest)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
