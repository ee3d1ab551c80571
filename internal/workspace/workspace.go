// Package workspace lays out per-user, per-job directories under a common
// root: <root>/<user_id>/<job_id>/RESULTS. The executor writes result files
// into the RESULTS directory; the API serves them from there.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const resultsDirName = "RESULTS"

// ErrOutsideWorkspace is returned for paths that escape the user directory.
var ErrOutsideWorkspace = errors.New("path escapes user workspace")

// Workspace addresses one job's directory tree.
type Workspace struct {
	Root   string
	UserID uuid.UUID
	JobID  uuid.UUID
}

func New(root string, userID, jobID uuid.UUID) Workspace {
	return Workspace{Root: root, UserID: userID, JobID: jobID}
}

func (w Workspace) UserDir() string {
	return filepath.Join(w.Root, w.UserID.String())
}

func (w Workspace) JobDir() string {
	return filepath.Join(w.UserDir(), w.JobID.String())
}

func (w Workspace) ResultsDir() string {
	return filepath.Join(w.JobDir(), resultsDirName)
}

// Provision creates the job directory. Called before a job flips to queued so
// that a provisioning failure leaves the job untouched.
func (w Workspace) Provision() error {
	if err := os.MkdirAll(w.JobDir(), 0o755); err != nil {
		return fmt.Errorf("provision workspace for job %s: %w", w.JobID, err)
	}
	return nil
}

// ResultFiles lists regular files in the results directory. A missing
// directory yields an empty list, not an error.
func (w Workspace) ResultFiles() ([]string, error) {
	entries, err := os.ReadDir(w.ResultsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list results for job %s: %w", w.JobID, err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(w.ResultsDir(), e.Name()))
		}
	}
	return files, nil
}

// ResolveUserPath maps a request-relative path into the user's directory,
// rejecting traversal outside it.
func ResolveUserPath(root string, userID uuid.UUID, rel string) (string, error) {
	userDir := filepath.Join(root, userID.String())
	abs := filepath.Clean(filepath.Join(userDir, rel))
	if abs != userDir && !strings.HasPrefix(abs, userDir+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}
	return abs, nil
}
