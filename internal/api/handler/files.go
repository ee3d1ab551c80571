package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/martinseidl/gridflow/internal/api/middleware"
	"github.com/martinseidl/gridflow/internal/api/response"
	"github.com/martinseidl/gridflow/internal/fileserve"
	"github.com/martinseidl/gridflow/internal/workspace"
)

// FileHandler serves workspace files with byte-range support. Requests reach
// it authenticated either by bearer key or signed URL; either way the path is
// resolved strictly inside the caller's workspace directory.
type FileHandler struct {
	workspaceRoot string
}

// NewFileHandler creates the file handler.
func NewFileHandler(workspaceRoot string) *FileHandler {
	return &FileHandler{workspaceRoot: workspaceRoot}
}

// Serve answers GET and HEAD for one workspace file. Paths that escape the
// workspace answer 404 like any other missing file.
func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
		return
	}

	path, err := workspace.ResolveUserPath(h.workspaceRoot, userID, chi.URLParam(r, "*"))
	if errors.Is(err, workspace.ErrOutsideWorkspace) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "File not found", nil)
		return
	}
	if err != nil {
		slog.Error("failed to resolve file path", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to resolve file path", nil)
		return
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "File not found", nil)
		return
	}
	if err != nil {
		slog.Error("failed to stat file", "path", path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read file", nil)
		return
	}
	if info.IsDir() {
		response.Error(w, http.StatusMethodNotAllowed, "NOT_A_FILE", "Path is a directory", nil)
		return
	}

	size := info.Size()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", detectContentType(path))

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	// An unrecognizable Range header (wrong unit, garbage) is ignored and the
	// full file served. 416 is reserved for ranges the file cannot satisfy.
	var rng *fileserve.ByteRange
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		ranges, err := fileserve.ParseRangeHeader(rangeHeader)
		if err == nil {
			if len(ranges) != 1 {
				response.Error(w, http.StatusRequestedRangeNotSatisfiable,
					"UNSUPPORTED_RANGE", "Range header must carry exactly one byte range", nil)
				return
			}
			if !ranges[0].Clamp(size) {
				response.Error(w, http.StatusRequestedRangeNotSatisfiable,
					"UNSUPPORTED_RANGE", "Range lies past the end of the file", nil)
				return
			}
			rng = &ranges[0]
		}
	}

	if rng == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if _, err := fileserve.Stream(w, path, nil); err != nil {
			slog.Error("failed to stream file", "path", path, "error", err)
		}
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("%d-%d/%d", rng.Start, *rng.End, size))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := fileserve.Stream(w, path, rng); err != nil {
		slog.Error("failed to stream file range", "path", path, "error", err)
	}
}
