package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/martinseidl/gridflow/internal/api/handler"
	mw "github.com/martinseidl/gridflow/internal/api/middleware"
	"github.com/martinseidl/gridflow/internal/api/response"
	"github.com/martinseidl/gridflow/internal/engine"
	"github.com/martinseidl/gridflow/internal/store"
	"github.com/martinseidl/gridflow/internal/urlsign"
	"github.com/martinseidl/gridflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore satisfies store.Store for routing tests; everything is empty.
type stubStore struct{}

func (stubStore) Ping(context.Context) error                     { return nil }
func (stubStore) CreateUser(context.Context, *models.User) error { return nil }
func (stubStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	return &models.User{ID: id}, nil
}
func (stubStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}
func (stubStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }
func (stubStore) CreateJob(context.Context, *models.Job) error          { return nil }
func (stubStore) GetJob(context.Context, uuid.UUID) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (stubStore) ListJobs(context.Context, store.JobFilter) ([]*models.Job, int, error) {
	return nil, 0, nil
}
func (stubStore) ListQueuedJobs(context.Context) ([]*models.Job, error) { return nil, nil }
func (stubStore) TransitionJob(context.Context, uuid.UUID, []string, string, ...store.TransitionOption) error {
	return nil
}
func (stubStore) DeleteJob(context.Context, uuid.UUID, uuid.UUID) error { return nil }

type stubEngine struct{}

func (stubEngine) ListWorkflows(context.Context) ([]engine.Workflow, error) { return nil, nil }
func (stubEngine) GetWorkflow(context.Context, string) (*engine.Workflow, error) {
	return nil, engine.ErrWorkflowNotFound
}
func (stubEngine) SubmitWorkflow(context.Context, engine.SubmitRequest) (*engine.Workflow, error) {
	return nil, engine.ErrEngineUnreachable
}
func (stubEngine) StopWorkflow(context.Context, string) error { return nil }
func (stubEngine) WorkflowLogs(context.Context, string) ([]string, error) { return nil, nil }

type stubQueue struct{}

func (stubQueue) EnqueueAdmit(context.Context) error             { return nil }
func (stubQueue) EnqueueSubmit(context.Context, uuid.UUID) error { return nil }

type stubNotifier struct{}

func (stubNotifier) PublishJobUpdate(context.Context, uuid.UUID, string) error { return nil }
func (stubNotifier) SubscribeJobUpdates(context.Context, uuid.UUID) (<-chan string, func(), error) {
	return make(chan string), func() {}, nil
}

func testRouter(t *testing.T, workspaceRoot string, signer *urlsign.Signer) http.Handler {
	t.Helper()

	st := stubStore{}
	jobs := handler.NewJobHandler(handler.Config{
		PublicURL:     "http://api.test",
		APIPrefix:     "/api/v1",
		WorkspaceRoot: workspaceRoot,
		SignKeyName:   "default",
		SignTTL:       time.Hour,
	}, st, stubEngine{}, stubQueue{}, signer, stubNotifier{})

	return NewRouter(Dependencies{
		APIPrefix: "/api/v1",
		Auth:      mw.NewAuth(st, signer),
		RateLimit: mw.NewRateLimit(nil, 0),
		Jobs:      jobs,
		Files:     handler.NewFileHandler(workspaceRoot),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			response.JSON(w, map[string]string{"status": "ok"})
		},
	})
}

func newTestSigner(t *testing.T) *urlsign.Signer {
	t.Helper()
	signer, err := urlsign.New(map[string]string{"default": "dGVzdC1zaWduaW5nLXNlY3JldA=="})
	require.NoError(t, err)
	return signer
}

func TestRouter_HealthIsPublic(t *testing.T) {
	router := testRouter(t, t.TempDir(), newTestSigner(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_JobsRequireBearer(t *testing.T) {
	router := testRouter(t, t.TempDir(), newTestSigner(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_SignedFileDownload(t *testing.T) {
	root := t.TempDir()
	signer := newTestSigner(t)
	router := testRouter(t, root, signer)

	userID := uuid.New()
	jobID := uuid.New()
	dir := filepath.Join(root, userID.String(), jobID.String(), "RESULTS")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), []byte("signed content"), 0o644))

	path := "/api/v1/files/" + jobID.String() + "/RESULTS/out.txt"
	signed, err := signer.Sign(path, "default", userID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, signed, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "signed content", rec.Body.String())
}

func TestRouter_UnsignedFileRejected(t *testing.T) {
	router := testRouter(t, t.TempDir(), newTestSigner(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files/j/RESULTS/out.txt", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
