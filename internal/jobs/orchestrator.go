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

// OrchestratorConfig tunes an Orchestrator. Zero values select defaults.
type OrchestratorConfig struct {
	// MaxConcurrency caps a job's concurrentRequests setting.
	MaxConcurrency int
	Stops          *StopRegistry
	Recorder       Recorder
	// Heartbeat is how often a running job's record is touched so the
	// Reaper does not take it for stale. Zero disables it.
	Heartbeat time.Duration
}

// Orchestrator drives a job from pending to a terminal status.
type Orchestrator struct {
	store          store.Store
	cache          cache.Cache
	runner         ChainRunner
	stops          *StopRegistry
	recorder       Recorder
	maxConcurrency int
	heartbeat      time.Duration
}

func NewOrchestrator(st store.Store, c cache.Cache, runner ChainRunner, cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		store:          st,
		cache:          c,
		runner:         runner,
		stops:          cfg.Stops,
		recorder:       cfg.Recorder,
		maxConcurrency: cfg.MaxConcurrency,
		heartbeat:      cfg.Heartbeat,
	}
	if o.stops == nil {
		o.stops = NewStopRegistry()
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.maxConcurrency < 1 {
		o.maxConcurrency = MaxConcurrentRequests
	}
	return o
}

// Stops returns the registry the orchestrator consults for stop signals.
func (o *Orchestrator) Stops() *StopRegistry {
	return o.stops
}

// Process runs a pending job to completion and commits the outcome.
// It never returns an error: every failure ends up on the job record.
//
// A job cancelled while running dispatches no further items and its results
// are discarded.
func (o *Orchestrator) Process(ctx context.Context, job *models.Job) {
	logger := slog.With("job_id", job.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing job", "panic", r)
			o.abort(ctx, job.ID, fmt.Sprintf("processing aborted: %v", r))
		}
	}()

	if err := o.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			logger.Info("job is no longer pending, skipping")
			return
		}
		logger.Error("failed to mark job running", "error", err)
		return
	}
	o.mirror(ctx, job.ID, models.JobStatusRunning)
	defer o.beat(ctx, job.ID)()

	templateName, err := o.templateName(ctx, job)
	if err != nil {
		logger.Error("template lookup failed", "error", err)
		o.abort(ctx, job.ID, fmt.Sprintf("template lookup failed: %v", err))
		return
	}

	batch := BatchFor(job, o.maxConcurrency)
	logger.Info("job started", "items", len(batch.Inputs), "batch", job.IsBatch(), "concurrency", batch.Concurrency)

	start := time.Now()
	results, finished := RunBatch(ctx, o.runner, batch, func() bool {
		return o.cancelRequested(ctx, job.ID)
	}, o.recorder)

	if !finished {
		logger.Info("job cancelled, discarding results", "items_dispatched", len(results))
		o.recorder.RecordJobOutcome(models.JobStatusCancelled)
		return
	}

	status := models.JobStatusCompleted
	if !models.AllSucceeded(results) {
		status = models.JobStatusFailed
	}
	name := DeriveName(job.ID, templateName, results)

	err = o.store.SaveJobOutcome(ctx, job.ID, store.JobOutcome{
		Status:     status,
		Results:    results,
		TokenUsage: models.SumTokenUsage(results),
		Name:       &name,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		logger.Info("job cancelled before results were saved")
		o.recorder.RecordJobOutcome(models.JobStatusCancelled)
		return
	}
	if err != nil {
		logger.Error("failed to save job outcome", "error", err)
		o.abort(ctx, job.ID, fmt.Sprintf("saving results failed: %v", err))
		return
	}

	o.mirror(ctx, job.ID, status)
	o.recorder.RecordJobOutcome(status)
	logger.Info("job finished",
		"status", status,
		"token_usage", models.SumTokenUsage(results),
		"duration_ms", time.Since(start).Milliseconds())
}

// templateName returns the name of the job's template, or "" when the job has
// none or it was deleted.
func (o *Orchestrator) templateName(ctx context.Context, job *models.Job) (string, error) {
	if job.TemplateID == nil {
		return "", nil
	}
	name, err := o.store.GetTemplateName(ctx, *job.TemplateID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return name, err
}

func (o *Orchestrator) cancelRequested(ctx context.Context, jobID uuid.UUID) bool {
	if o.stops.Stopped(jobID) {
		return true
	}
	if o.cache == nil {
		return false
	}
	status, found, err := o.cache.GetJobStatus(ctx, jobID)
	if err != nil {
		slog.Warn("job status lookup failed", "job_id", jobID, "error", err)
		return false
	}
	return found && status == models.JobStatusCancelled
}

// beat touches the job every heartbeat interval until the returned stop
// function is called.
func (o *Orchestrator) beat(ctx context.Context, jobID uuid.UUID) (stop func()) {
	if o.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(o.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.store.TouchJob(ctx, jobID); err != nil {
					slog.Warn("job heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// abort marks a job failed with a log line explaining why. It reports whether
// the job was still open.
func (o *Orchestrator) abort(ctx context.Context, jobID uuid.UUID, reason string) bool {
	err := o.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, store.WithLog(reason))
	if err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			slog.Error("failed to mark job failed", "job_id", jobID, "error", err)
		}
		return false
	}
	o.mirror(ctx, jobID, models.JobStatusFailed)
	o.recorder.RecordJobOutcome(models.JobStatusFailed)
	return true
}

func (o *Orchestrator) mirror(ctx context.Context, jobID uuid.UUID, status string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetJobStatus(ctx, jobID, status); err != nil {
		slog.Warn("failed to mirror job status", "job_id", jobID, "status", status, "error", err)
	}
}
