package handler

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	mw "github.com/martinseidl/gridflow/internal/api/middleware"
	"github.com/martinseidl/gridflow/internal/api/response"
	"github.com/martinseidl/gridflow/internal/fileserve"
	"github.com/martinseidl/gridflow/internal/store"
	"github.com/martinseidl/gridflow/internal/workspace"
	"github.com/martinseidl/gridflow/pkg/models"
)

// ProcessSync executes a process graph synchronously: the job is created,
// queued, and submitted directly (bypassing admission so interactive requests
// are not starved by the batch backlog), and the request blocks until the job
// completes. A single result file streams back as-is, several as a tar
// archive.
func (h *JobHandler) ProcessSync(w http.ResponseWriter, r *http.Request) {
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

	// The job starts in created, like a batch job, and only flips to queued
	// once everything the worker needs is in place. A row abandoned by any
	// failure below is deleted so the admission sweep never runs a job whose
	// waiter is gone.
	now := time.Now().UTC()
	jobID := uuid.New()
	desc := fmt.Sprintf("Synchronous execution of process graph %s.", jobID)
	job := &models.Job{
		ID:          jobID,
		UserID:      userID,
		Status:      models.JobStatusCreated,
		ProcessID:   req.Process.ID,
		Process:     req.Process.ProcessGraph,
		Title:       req.Title,
		Description: &desc,
		Synchronous: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateJob(r.Context(), job); err != nil {
		slog.Error("failed to create synchronous job", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
		return
	}

	ws := workspace.New(h.cfg.WorkspaceRoot, userID, jobID)
	if err := ws.Provision(); err != nil {
		slog.Error("workspace provisioning failed", "job_id", jobID, "error", err)
		h.discardJob(r.Context(), job)
		response.Error(w, http.StatusInternalServerError,
			"PROVISIONING_FAILED", "Failed to provision job workspace", nil)
		return
	}

	if err := h.store.TransitionJob(r.Context(), jobID,
		[]string{models.JobStatusCreated}, models.JobStatusQueued,
		store.WithQueuedAt(now)); err != nil {
		slog.Error("failed to queue synchronous job", "job_id", jobID, "error", err)
		h.discardJob(r.Context(), job)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue job", nil)
		return
	}

	// Subscribe before enqueueing so the completion signal cannot slip past.
	updates, unsubscribe, err := h.notifier.SubscribeJobUpdates(r.Context(), jobID)
	if err != nil {
		slog.Error("failed to subscribe to job updates", "job_id", jobID, "error", err)
		h.discardJob(r.Context(), job)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to watch job", nil)
		return
	}
	defer unsubscribe()

	if err := h.queue.EnqueueSubmit(r.Context(), jobID); err != nil {
		slog.Error("failed to enqueue synchronous job", "job_id", jobID, "error", err)
		h.discardJob(r.Context(), job)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to schedule job", nil)
		return
	}

	status, ok := h.awaitCompletion(w, r, jobID, updates)
	if !ok {
		return
	}
	if status != models.JobStatusFinished {
		response.Error(w, http.StatusInternalServerError,
			"PROCESSING_FAILED", "Process graph execution failed", nil)
		return
	}

	files, err := ws.ResultFiles()
	if err != nil {
		slog.Error("failed to list result files", "job_id", jobID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list result files", nil)
		return
	}
	if len(files) == 0 {
		response.Error(w, http.StatusInternalServerError,
			"NO_RESULTS", "Job finished without producing result files", nil)
		return
	}

	if len(files) == 1 {
		h.streamResultFile(w, files[0])
		return
	}
	streamTar(w, jobID, files)
}

// discardJob deletes a synchronous job whose request failed before the worker
// could take it over. Deletion failures are logged; the row then sits in a
// state the admission sweep either ignores or the worker skips.
func (h *JobHandler) discardJob(ctx context.Context, job *models.Job) {
	if err := h.store.DeleteJob(ctx, job.ID, job.UserID); err != nil {
		slog.Error("failed to discard synchronous job", "job_id", job.ID, "error", err)
	}
}

// awaitCompletion blocks until the job reaches a terminal state. The pub/sub
// channel delivers the signal promptly; the periodic store check covers a
// missed publish. Reports false when it already wrote a response.
func (h *JobHandler) awaitCompletion(w http.ResponseWriter, r *http.Request, jobID uuid.UUID, updates <-chan string) (string, bool) {
	ticker := time.NewTicker(h.cfg.SyncCheckInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(h.cfg.SyncTimeout)
	defer timeout.Stop()

	for {
		select {
		case status := <-updates:
			return status, true
		case <-ticker.C:
			job, err := h.store.GetJob(r.Context(), jobID)
			if err != nil {
				continue
			}
			if job.Terminal() {
				return job.Status, true
			}
		case <-timeout.C:
			slog.Error("synchronous job timed out", "job_id", jobID)
			response.Error(w, http.StatusInternalServerError,
				"SYNC_TIMEOUT", "Job did not complete in time", nil)
			return "", false
		case <-r.Context().Done():
			return "", false
		}
	}
}

func (h *JobHandler) streamResultFile(w http.ResponseWriter, path string) {
	info, err := os.Stat(path)
	if err != nil {
		slog.Error("failed to stat result file", "path", path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read result file", nil)
		return
	}

	w.Header().Set("Content-Type", detectContentType(path))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	w.WriteHeader(http.StatusOK)

	if _, err := fileserve.Stream(w, path, nil); err != nil {
		slog.Error("failed to stream result file", "path", path, "error", err)
	}
}

// streamTar bundles multiple result files into one tar download.
func streamTar(w http.ResponseWriter, jobID uuid.UUID, files []string) {
	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "result-"+jobID.String()+".tar"))
	w.WriteHeader(http.StatusOK)

	tw := tar.NewWriter(w)
	defer tw.Close()

	for _, path := range files {
		if err := writeTarEntry(tw, path); err != nil {
			slog.Error("failed to archive result file", "path", path, "error", err)
			return
		}
	}
}

func writeTarEntry(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    filepath.Base(path),
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
