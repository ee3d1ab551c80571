package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/martinseidl/gridflow/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrConflict means a conditional update found the record in a different
	// state than expected, e.g. starting a job someone already started.
	ErrConflict = errors.New("state precondition failed")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	ListQueuedJobs(ctx context.Context) ([]*models.Job, error)
	TransitionJob(ctx context.Context, id uuid.UUID, from []string, to string, opts ...TransitionOption) error
	DeleteJob(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
}

type JobFilter struct {
	UserID uuid.UUID
	Page   int
	Limit  int
}

type transitionParams struct {
	WorkflowName *string
	QueuedAt     *time.Time
}

// TransitionOption sets additional columns alongside a status transition.
type TransitionOption func(*transitionParams)

func WithWorkflowName(name string) TransitionOption {
	return func(p *transitionParams) {
		p.WorkflowName = &name
	}
}

func WithQueuedAt(t time.Time) TransitionOption {
	return func(p *transitionParams) {
		p.QueuedAt = &t
	}
}
