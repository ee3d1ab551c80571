// Package handler implements the HTTP job control surface.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/martinseidl/gridflow/internal/api/middleware"
	"github.com/martinseidl/gridflow/internal/api/response"
	"github.com/martinseidl/gridflow/internal/cache"
	"github.com/martinseidl/gridflow/internal/engine"
	"github.com/martinseidl/gridflow/internal/store"
	"github.com/martinseidl/gridflow/internal/tasks"
	"github.com/martinseidl/gridflow/internal/urlsign"
	"github.com/martinseidl/gridflow/internal/workspace"
	"github.com/martinseidl/gridflow/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Config carries the handler-level settings.
type Config struct {
	PublicURL         string
	APIPrefix         string
	WorkspaceRoot     string
	SignKeyName       string
	SignTTL           time.Duration
	SyncCheckInterval time.Duration
	SyncTimeout       time.Duration
}

// JobHandler serves the job lifecycle operations.
type JobHandler struct {
	cfg      Config
	store    store.Store
	engine   engine.Client
	queue    tasks.Enqueuer
	signer   *urlsign.Signer
	notifier cache.Notifier
}

// NewJobHandler creates the job handler.
func NewJobHandler(cfg Config, st store.Store, eng engine.Client, queue tasks.Enqueuer, signer *urlsign.Signer, notifier cache.Notifier) *JobHandler {
	return &JobHandler{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		queue:    queue,
		signer:   signer,
		notifier: notifier,
	}
}

type processPayload struct {
	ID           string          `json:"id"`
	ProcessGraph json.RawMessage `json:"process_graph"`
}

type createJobRequest struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Process     processPayload `json:"process"`
}

// Create records a new job in status created. Execution starts only on an
// explicit start call.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
		return
	}
	if len(req.Process.ProcessGraph) == 0 {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "process.process_graph is required", nil)
		return
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New(),
		UserID:      userID,
		Status:      models.JobStatusCreated,
		ProcessID:   req.Process.ID,
		Process:     req.Process.ProcessGraph,
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateJob(r.Context(), job); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusInternalServerError, "DUPLICATE_JOB", "Job id collision", nil)
			return
		}
		slog.Error("failed to create job", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
		return
	}

	w.Header().Set("Location", h.cfg.PublicURL+h.cfg.APIPrefix+"/jobs/"+job.ID.String())
	response.Created(w, job)
}

// Get returns one of the caller's jobs.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	response.JSON(w, job)
}

// List returns the caller's jobs, newest first, paginated.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
		return
	}

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", defaultPageLimit)
	if limit < 1 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	jobs, total, err := h.store.ListJobs(r.Context(), store.JobFilter{
		UserID: userID,
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		slog.Error("failed to list jobs", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
		return
	}

	response.Collection(w, jobs, response.PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	})
}

// Start provisions the job workspace, flips the job to queued, and triggers
// an admission sweep. Only jobs in status created may start.
func (h *JobHandler) Start(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobStatusCreated {
		response.Error(w, http.StatusBadRequest, "INVALID_STATE",
			fmt.Sprintf("Job cannot start from status %q", job.Status), nil)
		return
	}

	// Provision before flipping the status so a failure leaves the job in
	// created rather than queued without a workspace.
	ws := workspace.New(h.cfg.WorkspaceRoot, job.UserID, job.ID)
	if err := ws.Provision(); err != nil {
		slog.Error("workspace provisioning failed", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError,
			"PROVISIONING_FAILED", "Failed to provision job workspace", nil)
		return
	}

	err := h.store.TransitionJob(r.Context(), job.ID,
		[]string{models.JobStatusCreated}, models.JobStatusQueued,
		store.WithQueuedAt(time.Now()))
	if errors.Is(err, store.ErrConflict) {
		response.Error(w, http.StatusBadRequest, "INVALID_STATE", "Job is already queued or running", nil)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}
	if err != nil {
		slog.Error("failed to queue job", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue job", nil)
		return
	}

	if err := h.queue.EnqueueAdmit(r.Context()); err != nil {
		slog.Error("failed to trigger admission sweep", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to schedule job", nil)
		return
	}

	response.Accepted(w, map[string]any{
		"job_id": job.ID,
		"status": models.JobStatusQueued,
	})
}

// Stop cancels a queued or running job and resets it to created. An engine
// run that already vanished is tolerated; the reset happens regardless.
func (h *JobHandler) Stop(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobStatusQueued && job.Status != models.JobStatusRunning {
		response.Error(w, http.StatusBadRequest, "INVALID_STATE",
			fmt.Sprintf("Job cannot stop from status %q", job.Status), nil)
		return
	}

	h.stopWorkflow(r, job)

	err := h.store.TransitionJob(r.Context(), job.ID,
		[]string{models.JobStatusQueued, models.JobStatusRunning}, models.JobStatusCreated)
	if errors.Is(err, store.ErrConflict) {
		response.Error(w, http.StatusBadRequest, "INVALID_STATE", "Job is no longer queued or running", nil)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}
	if err != nil {
		slog.Error("failed to stop job", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to stop job", nil)
		return
	}

	response.NoContent(w)
}

// Delete removes the job record. A still-active engine run is stopped
// best-effort first.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	if job.Status == models.JobStatusQueued || job.Status == models.JobStatusRunning {
		h.stopWorkflow(r, job)
	}

	if err := h.store.DeleteJob(r.Context(), job.ID, job.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		slog.Error("failed to delete job", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete job", nil)
		return
	}

	response.Accepted(w, map[string]any{"job_id": job.ID})
}

// Logs returns the log lines of the job's current run.
func (h *JobHandler) Logs(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.WorkflowName == nil {
		response.Error(w, http.StatusNotFound, "NO_RUN", "Job has never been submitted", nil)
		return
	}

	lines, err := h.engine.WorkflowLogs(r.Context(), *job.WorkflowName)
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		response.Error(w, http.StatusNotFound, "RUN_EXPIRED", "Run logs are no longer available", nil)
		return
	}
	if err != nil {
		slog.Error("failed to fetch logs", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "UPSTREAM_ERROR", "Failed to fetch logs from engine", nil)
		return
	}

	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	if offset > len(lines) {
		offset = len(lines)
	}
	lines = lines[offset:]

	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(lines) {
		lines = lines[:limit]
	}

	response.JSON(w, map[string]any{
		"job_id": job.ID,
		"offset": offset,
		"lines":  lines,
	})
}

type resultAsset struct {
	Href string `json:"href"`
	Type string `json:"type"`
}

type resultLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// Results returns a manifest of the finished job's output files. Every file
// link and the canonical manifest link are signed and expire together.
func (h *JobHandler) Results(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobStatusFinished {
		response.Error(w, http.StatusBadRequest, "JOB_NOT_FINISHED",
			fmt.Sprintf("Job results are not available in status %q", job.Status), nil)
		return
	}

	ws := workspace.New(h.cfg.WorkspaceRoot, job.UserID, job.ID)
	files, err := ws.ResultFiles()
	if err != nil {
		slog.Error("failed to list result files", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list result files", nil)
		return
	}

	expires := time.Now().Add(h.cfg.SignTTL)
	assets := make(map[string]resultAsset, len(files))
	for _, f := range files {
		name := filepath.Base(f)
		servePath := fmt.Sprintf("%s/files/%s/RESULTS/%s", h.cfg.APIPrefix, job.ID, name)
		signed, err := h.signer.Sign(servePath, h.cfg.SignKeyName, job.UserID, expires)
		if err != nil {
			slog.Error("failed to sign result link", "job_id", job.ID, "file", name, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to sign result links", nil)
			return
		}
		assets[name] = resultAsset{
			Href: h.cfg.PublicURL + signed,
			Type: detectContentType(f),
		}
	}

	canonicalPath := fmt.Sprintf("%s/jobs/%s/results", h.cfg.APIPrefix, job.ID)
	canonical, err := h.signer.Sign(canonicalPath, h.cfg.SignKeyName, job.UserID, expires)
	if err != nil {
		slog.Error("failed to sign canonical link", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to sign result links", nil)
		return
	}

	response.JSON(w, map[string]any{
		"id":      job.ID,
		"status":  job.Status,
		"expires": expires.UTC(),
		"assets":  assets,
		"links": []resultLink{
			{Rel: "canonical", Href: h.cfg.PublicURL + canonical},
		},
	})
}

// ownedJob loads the job addressed by the URL and enforces ownership. Jobs of
// other users answer 404, never 403, to avoid leaking their existence.
func (h *JobHandler) ownedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
		return nil, false
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return nil, false
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return nil, false
	}
	if err != nil {
		slog.Error("failed to load job", "job_id", jobID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
		return nil, false
	}
	if job.UserID != userID {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return nil, false
	}
	return job, true
}

// stopWorkflow asks the engine to stop the job's run. Failures are logged and
// tolerated; the caller proceeds with the state change either way.
func (h *JobHandler) stopWorkflow(r *http.Request, job *models.Job) {
	if job.WorkflowName == nil {
		return
	}
	err := h.engine.StopWorkflow(r.Context(), *job.WorkflowName)
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		slog.Warn("workflow already gone on stop", "job_id", job.ID, "workflow", *job.WorkflowName)
		return
	}
	if err != nil {
		slog.Error("failed to stop workflow", "job_id", job.ID, "workflow", *job.WorkflowName, "error", err)
	}
}

func detectContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func queryInt(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
