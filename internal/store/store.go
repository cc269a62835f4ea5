package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultUser(ctx context.Context) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	GetTemplateName(ctx context.Context, id uuid.UUID) (string, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobForUser(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]*models.JobSummary, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SaveJobOutcome(ctx context.Context, id uuid.UUID, outcome JobOutcome) error
	ApplyCallback(ctx context.Context, id uuid.UUID, update CallbackUpdate) error
	// TouchJob records progress on a running job.
	TouchJob(ctx context.Context, id uuid.UUID) error
	// FailStaleJobs marks failed every pending or running job last updated
	// before staleBefore, appending logLine to each, and returns their ids.
	FailStaleJobs(ctx context.Context, staleBefore time.Time, logLine string) ([]uuid.UUID, error)
}

// JobOutcome is the final state the orchestrator commits for a running job.
type JobOutcome struct {
	Status     string
	Results    []models.JobResult
	TokenUsage int
	// Name is applied only when the job has no name yet.
	Name *string
}

// CallbackUpdate is the state derived from a delegated engine callback.
type CallbackUpdate struct {
	Status      string
	Results     []models.JobResult
	TokenUsage  int
	Name        *string
	ExecutionID *string
}

// JobUpdateParams holds the optional changes applied with a status update.
type JobUpdateParams struct {
	LogLine     *string
	ExecutionID *string
}

type JobUpdateOption func(*JobUpdateParams)

// ResolveUpdateOptions applies opts to an empty JobUpdateParams.
func ResolveUpdateOptions(opts ...JobUpdateOption) JobUpdateParams {
	var p JobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithLog appends a line to the job's log.
func WithLog(line string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.LogLine = &line
	}
}

func WithExecutionID(id string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ExecutionID = &id
	}
}

// validTransitions lists, for each status, the statuses it may move to.
var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesFor returns every status that may transition to target.
func sourcesFor(target string) []string {
	var from []string
	for src, targets := range validTransitions {
		for _, t := range targets {
			if t == target {
				from = append(from, src)
			}
		}
	}
	return from
}
