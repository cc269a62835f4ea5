package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/internal/cache"
	"github.com/kiranshivaraju/promptflow/internal/store"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

var (
	ErrNotCancellable = errors.New("cannot cancel a job that is not pending or running")
	// ErrCallbackRejected means a callback arrived for a cancelled job, or a
	// partial callback arrived after the job had finished.
	ErrCallbackRejected = errors.New("callback rejected")
	// ErrRequestInProgress means another request with the same idempotency key
	// has not finished creating its job.
	ErrRequestInProgress = errors.New("a request with this idempotency key is still in progress")
)

const idempotencyTTL = 24 * time.Hour

// Service implements the job operations exposed over HTTP.
type Service struct {
	store     store.Store
	cache     cache.Cache
	executor  Executor
	providers ProviderSet
	recorder  Recorder
}

// NewService creates a Service. recorder may be nil.
func NewService(st store.Store, c cache.Cache, exec Executor, providers ProviderSet, recorder Recorder) *Service {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{store: st, cache: c, executor: exec, providers: providers, recorder: recorder}
}

// Create validates a submission, stores it as a pending job and hands it to
// the executor. replayed is true when an earlier job with the same
// idempotency key was returned instead.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, req NewJob) (job *models.Job, replayed bool, err error) {
	normalize(&req, s.providers)
	if err := Validate(&req, s.providers); err != nil {
		return nil, false, err
	}
	if err := s.checkTemplate(ctx, req.TemplateID); err != nil {
		return nil, false, err
	}

	jobID := uuid.New()

	var idemKey string
	if req.IdempotencyKey != "" {
		idemKey = cache.IdempotencyKey(userID, req.IdempotencyKey)
		existing, err := s.reserve(ctx, idemKey, jobID, userID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	now := time.Now().UTC()
	job = &models.Job{
		ID:         jobID,
		UserID:     &userID,
		TemplateID: req.TemplateID,
		Name:       req.Name,
		Status:     models.JobStatusPending,
		Config:     *req.Config,
		InputData:  req.InputData,
		Results:    []models.JobResult{},
		Logs:       []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		if idemKey != "" {
			_ = s.cache.Delete(ctx, idemKey)
		}
		return nil, false, fmt.Errorf("creating job: %w", err)
	}
	s.mirror(ctx, job.ID, models.JobStatusPending)

	if err := s.executor.Dispatch(ctx, job); err != nil {
		return job, false, err
	}

	slog.Info("job created", "job_id", job.ID, "user_id", userID,
		"items", len(job.InputData), "provider", job.Config.Settings.Provider)
	return job, false, nil
}

func (s *Service) checkTemplate(ctx context.Context, templateID *uuid.UUID) error {
	if templateID == nil {
		return nil
	}
	_, err := s.store.GetTemplateName(ctx, *templateID)
	if errors.Is(err, store.ErrNotFound) {
		return &ValidationError{Problems: []string{fmt.Sprintf("template %s does not exist", templateID)}}
	}
	if err != nil {
		return fmt.Errorf("looking up template: %w", err)
	}
	return nil
}

// reserve claims an idempotency key for jobID. If the key was claimed before,
// it returns the job created under it.
func (s *Service) reserve(ctx context.Context, key string, jobID, userID uuid.UUID) (*models.Job, error) {
	stored, err := s.cache.SetIfAbsent(ctx, key, []byte(jobID.String()), idempotencyTTL)
	if err != nil {
		slog.Warn("idempotency key unavailable, creating job without it", "error", err)
		return nil, nil
	}
	if stored {
		return nil, nil
	}

	raw, found, err := s.cache.Get(ctx, key)
	if err != nil || !found {
		return nil, ErrRequestInProgress
	}
	previous, err := uuid.ParseBytes(raw)
	if err != nil {
		return nil, ErrRequestInProgress
	}
	job, err := s.store.GetJobForUser(ctx, previous, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRequestInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("loading job for idempotency key: %w", err)
	}
	return job, nil
}

// Get returns a job owned by userID.
func (s *Service) Get(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetJobForUser(ctx, jobID, userID)
}

// List returns summaries of the user's jobs, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.JobSummary, error) {
	return s.store.ListJobs(ctx, userID, limit)
}

// Cancel moves a pending or running job to cancelled and signals its executor.
// Items already in flight are not interrupted.
func (s *Service) Cancel(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJobForUser(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if !store.CanTransition(job.Status, models.JobStatusCancelled) {
		return nil, ErrNotCancellable
	}

	err = s.store.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, ErrNotCancellable
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}

	s.mirror(ctx, jobID, models.JobStatusCancelled)
	s.executor.Cancel(ctx, jobID)
	slog.Info("job cancelled", "job_id", jobID)

	return s.store.GetJobForUser(ctx, jobID, userID)
}

// ApplyCallback records the cumulative results reported by a delegated engine.
// The job completes once every processed input has a result.
func (s *Service) ApplyCallback(ctx context.Context, jobID uuid.UUID, payload models.CallbackPayload) (models.CallbackAck, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.CallbackAck{}, err
	}
	if job.Status == models.JobStatusCancelled {
		return models.CallbackAck{}, fmt.Errorf("%w: job is cancelled", ErrCallbackRejected)
	}

	results := payload.Results
	expected := job.ItemsExpected()
	if len(results) > expected {
		return models.CallbackAck{}, &ValidationError{Problems: []string{
			fmt.Sprintf("callback carries %d results but the job has %d items", len(results), expected),
		}}
	}
	for i := range results {
		if results[i].Intermediates == nil {
			results[i].Intermediates = []string{}
		}
	}

	completed := len(results) == expected
	status := models.JobStatusRunning
	if completed {
		status = models.JobStatusCompleted
		if !models.AllSucceeded(results) {
			status = models.JobStatusFailed
		}
	}

	var name *string
	if completed && job.Name == nil {
		templateName := ""
		if job.TemplateName != nil {
			templateName = *job.TemplateName
		}
		n := DeriveName(job.ID, templateName, results)
		name = &n
	}

	err = s.store.ApplyCallback(ctx, jobID, store.CallbackUpdate{
		Status:      status,
		Results:     results,
		TokenUsage:  models.SumTokenUsage(results),
		Name:        name,
		ExecutionID: payload.ExecutionID,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		return models.CallbackAck{}, fmt.Errorf("%w: %v", ErrCallbackRejected, err)
	}
	if err != nil {
		return models.CallbackAck{}, fmt.Errorf("applying callback: %w", err)
	}

	s.mirror(ctx, jobID, status)
	if completed && !models.IsTerminalStatus(job.Status) {
		s.recorder.RecordJobOutcome(status)
	}
	slog.Info("job callback applied", "job_id", jobID, "status", status,
		"items_processed", len(results), "items_total", expected)

	return models.CallbackAck{
		Message:        "Job updated successfully",
		Status:         status,
		ItemsProcessed: len(results),
		ItemsTotal:     expected,
	}, nil
}

func (s *Service) mirror(ctx context.Context, jobID uuid.UUID, status string) {
	if err := s.cache.SetJobStatus(ctx, jobID, status); err != nil {
		slog.Warn("failed to mirror job status", "job_id", jobID, "status", status, "error", err)
	}
}
