package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/internal/cache"
	"github.com/kiranshivaraju/promptflow/internal/store"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

var ErrDispatch = errors.New("job could not be dispatched")

// Executor starts processing of a newly created job and relays cancellation.
// Dispatch must not block on processing.
type Executor interface {
	Dispatch(ctx context.Context, job *models.Job) error
	Cancel(ctx context.Context, jobID uuid.UUID)
}

// InProcessExecutor runs jobs on background goroutines of the API server.
type InProcessExecutor struct {
	orch *Orchestrator
	wg   sync.WaitGroup
}

func NewInProcessExecutor(orch *Orchestrator) *InProcessExecutor {
	return &InProcessExecutor{orch: orch}
}

// Dispatch starts the job and returns immediately. Processing runs on a
// context detached from ctx, so it outlives the request that created the job.
func (e *InProcessExecutor) Dispatch(ctx context.Context, job *models.Job) error {
	snapshot := *job
	release := e.orch.Stops().Register(job.ID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		e.orch.Process(context.WithoutCancel(ctx), &snapshot)
	}()
	return nil
}

// Cancel signals a running job to stop dispatching items.
func (e *InProcessExecutor) Cancel(_ context.Context, jobID uuid.UUID) {
	e.orch.Stops().Stop(jobID)
}

// Abandon marks failed every job still running in this process, with reason
// as its log line, and returns how many it failed. It is used when the
// process stops before its jobs finish.
func (e *InProcessExecutor) Abandon(ctx context.Context, reason string) int {
	failed := 0
	for _, id := range e.orch.Stops().IDs() {
		e.orch.Stops().Stop(id)
		if e.orch.abort(ctx, id, reason) {
			failed++
		}
	}
	return failed
}

// Wait blocks until every dispatched job has finished or ctx is done.
func (e *InProcessExecutor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publisher hands a job descriptor to the delegated execution engine.
type Publisher interface {
	Publish(ctx context.Context, desc models.JobDescriptor) error
}

// DelegatingExecutor publishes jobs to an external engine that reports
// results through the callback endpoint.
type DelegatingExecutor struct {
	store          store.Store
	cache          cache.Cache
	publisher      Publisher
	publicURL      string
	maxConcurrency int
}

func NewDelegatingExecutor(st store.Store, c cache.Cache, pub Publisher, publicURL string, maxConcurrency int) *DelegatingExecutor {
	return &DelegatingExecutor{
		store:          st,
		cache:          c,
		publisher:      pub,
		publicURL:      strings.TrimRight(publicURL, "/"),
		maxConcurrency: maxConcurrency,
	}
}

// CallbackURL is where the engine posts results for a job.
func (e *DelegatingExecutor) CallbackURL(jobID uuid.UUID) string {
	return fmt.Sprintf("%s/api/v1/jobs/%s/callback", e.publicURL, jobID)
}

// Dispatch marks the job running and publishes its descriptor. If publishing
// fails the job is marked failed.
func (e *DelegatingExecutor) Dispatch(ctx context.Context, job *models.Job) error {
	if err := e.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	e.mirror(ctx, job.ID, models.JobStatusRunning)

	batch := BatchFor(job, e.maxConcurrency)
	desc := models.JobDescriptor{
		JobID:        job.ID,
		SystemPrompt: batch.SystemPrompt,
		UserPrompts:  batch.Templates,
		Settings:     batch.Settings,
		DataItems:    batch.Inputs,
		BatchSize:    batch.Concurrency,
		CallbackURL:  e.CallbackURL(job.ID),
	}

	if err := e.publisher.Publish(ctx, desc); err != nil {
		slog.Error("failed to publish job", "job_id", job.ID, "error", err)
		reason := fmt.Sprintf("dispatch to execution engine failed: %v", err)
		if uerr := e.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithLog(reason)); uerr != nil {
			slog.Error("failed to mark job failed", "job_id", job.ID, "error", uerr)
		}
		e.mirror(ctx, job.ID, models.JobStatusFailed)
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	slog.Info("job published", "job_id", job.ID, "items", len(desc.DataItems))
	return nil
}

// Cancel is a no-op: the engine watches the job's status mirror.
func (e *DelegatingExecutor) Cancel(context.Context, uuid.UUID) {}

func (e *DelegatingExecutor) mirror(ctx context.Context, jobID uuid.UUID, status string) {
	if err := e.cache.SetJobStatus(ctx, jobID, status); err != nil {
		slog.Warn("failed to mirror job status", "job_id", jobID, "status", status, "error", err)
	}
}
