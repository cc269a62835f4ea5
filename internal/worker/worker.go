// Package worker is the delegated execution engine. It consumes job
// descriptors from the queue, runs them chunk by chunk and reports cumulative
// results to the API server's callback endpoint.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/internal/jobs"
	"github.com/kiranshivaraju/promptflow/pkg/client"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

// CallbackSender delivers results to a job's callback URL. *client.Client
// implements it.
type CallbackSender interface {
	SendCallback(ctx context.Context, callbackURL, token string, payload models.CallbackPayload) (*models.CallbackAck, error)
}

// StatusSource reads the job status mirror. *cache.RedisCache implements it.
type StatusSource interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
}

type Config struct {
	CallbackToken string
	// Statuses may be nil, in which case cancellation is not observed.
	Statuses StatusSource
	Recorder jobs.Recorder
}

type Worker struct {
	runner    jobs.ChainRunner
	callbacks CallbackSender
	token     string
	statuses  StatusSource
	recorder  jobs.Recorder
}

func New(runner jobs.ChainRunner, callbacks CallbackSender, cfg Config) *Worker {
	return &Worker{
		runner:    runner,
		callbacks: callbacks,
		token:     cfg.CallbackToken,
		statuses:  cfg.Statuses,
		recorder:  cfg.Recorder,
	}
}

// Handle runs one job descriptor. It returns an error only when results could
// not be delivered; a cancelled job or a rejected callback is not an error.
func (w *Worker) Handle(ctx context.Context, d models.JobDescriptor) error {
	executionID := uuid.NewString()
	log := slog.With("job_id", d.JobID, "execution_id", executionID)
	start := time.Now()

	chunkSize := jobs.ClampConcurrency(d.BatchSize, jobs.MaxConcurrentRequests)
	stopped := func() bool { return w.cancelled(ctx, d.JobID) }

	results := make([]models.JobResult, 0, len(d.DataItems))
	for lo := 0; lo < len(d.DataItems); lo += chunkSize {
		hi := min(lo+chunkSize, len(d.DataItems))

		chunk, finished := jobs.RunBatch(ctx, w.runner, jobs.Batch{
			SystemPrompt: d.SystemPrompt,
			Templates:    d.UserPrompts,
			Settings:     d.Settings,
			Inputs:       d.DataItems[lo:hi],
			Concurrency:  chunkSize,
		}, stopped, w.recorder)
		if !finished {
			log.Info("job cancelled, stopping", "items_processed", len(results))
			return nil
		}
		results = append(results, chunk...)

		ack, err := w.callbacks.SendCallback(ctx, d.CallbackURL, w.token, models.CallbackPayload{
			Results:     results,
			ExecutionID: &executionID,
		})
		if rejected(err) {
			log.Info("callback rejected, stopping", "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("delivering results for job %s: %w", d.JobID, err)
		}
		log.Debug("callback delivered", "status", ack.Status,
			"items_processed", ack.ItemsProcessed, "items_total", ack.ItemsTotal)
	}

	log.Info("job executed", "items", len(results), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (w *Worker) cancelled(ctx context.Context, jobID uuid.UUID) bool {
	if w.statuses == nil {
		return false
	}
	status, found, err := w.statuses.GetJobStatus(ctx, jobID)
	if err != nil {
		slog.Warn("job status unavailable", "job_id", jobID, "error", err)
		return false
	}
	return found && status == models.JobStatusCancelled
}

// rejected reports whether the server refused the callback for good: the job
// is unknown, cancelled or already finished.
func rejected(err error) bool {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusConflict || apiErr.StatusCode == http.StatusNotFound
}
