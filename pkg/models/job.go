package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusCreated  = "created"
	JobStatusQueued   = "queued"
	JobStatusRunning  = "running"
	JobStatusFinished = "finished"
	JobStatusError    = "error"
)

// Job is the persisted record of one process-graph execution. A job is created
// in status "created", admitted to the workflow engine via "queued" → "running",
// and converges to "finished" or "error". Stop resets it to "created".
type Job struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	UserID       uuid.UUID       `db:"user_id"       json:"user_id"`
	Status       string          `db:"status"        json:"status"`
	ProcessID    string          `db:"process_id"    json:"process_id"`
	Process      json.RawMessage `db:"process"       json:"process"`
	Title        *string         `db:"title"         json:"title,omitempty"`
	Description  *string         `db:"description"   json:"description,omitempty"`
	Synchronous  bool            `db:"synchronous"   json:"synchronous"`
	WorkflowName *string         `db:"workflow_name" json:"workflow_name,omitempty"`
	QueuedAt     *time.Time      `db:"queued_at"     json:"queued_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether the job has reached a final execution state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusFinished || j.Status == JobStatusError
}
