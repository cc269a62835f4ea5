package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/promptflow/internal/chain"
	"github.com/kiranshivaraju/promptflow/internal/metrics"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

// ChainRunner runs a prompt chain on one input. *chain.Executor implements it.
type ChainRunner interface {
	Run(ctx context.Context, systemPrompt string, templates []string, input string, settings models.Settings) chain.Result
}

// Recorder receives job statistics. *metrics.Collector implements it.
type Recorder interface {
	RecordTiming(op string, duration time.Duration, failed bool)
	RecordJobOutcome(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTiming(string, time.Duration, bool) {}
func (nopRecorder) RecordJobOutcome(string)                  {}

// Batch is a set of inputs run through the same prompt chain.
type Batch struct {
	SystemPrompt string
	Templates    []string
	Settings     models.Settings
	Inputs       []string
	// Concurrency bounds the number of items in flight. Values below 1 mean 1.
	Concurrency int
}

// BatchFor builds the batch a job runs, limiting concurrency to maxConcurrency.
func BatchFor(job *models.Job, maxConcurrency int) Batch {
	concurrency := 1
	if job.IsBatch() {
		concurrency = ClampConcurrency(job.Config.Settings.ConcurrentRequests, maxConcurrency)
	}
	return Batch{
		SystemPrompt: job.Config.SystemPrompt,
		Templates:    job.Config.Templates(),
		Settings:     job.Config.Settings,
		Inputs:       job.ProcessedInputs(),
		Concurrency:  concurrency,
	}
}

// ClampConcurrency bounds a requested concurrency to [1, limit].
func ClampConcurrency(requested, limit int) int {
	if limit < 1 {
		limit = 1
	}
	return max(1, min(requested, limit))
}

// RunBatch runs every input through the chain with at most b.Concurrency items
// in flight. Results keep input order whatever order items finish in.
//
// stopped is consulted before each item is dispatched. Once it reports true no
// further items start, in-flight items run to completion, and RunBatch returns
// the results of the dispatched prefix with finished set to false.
func RunBatch(ctx context.Context, runner ChainRunner, b Batch, stopped func() bool, rec Recorder) (results []models.JobResult, finished bool) {
	if rec == nil {
		rec = nopRecorder{}
	}

	results = make([]models.JobResult, len(b.Inputs))
	slots := make(chan struct{}, max(1, b.Concurrency))
	var g errgroup.Group

	dispatched := 0
	for i, input := range b.Inputs {
		slots <- struct{}{}
		if stopped != nil && stopped() {
			<-slots
			break
		}
		dispatched++
		g.Go(func() error {
			defer func() { <-slots }()
			results[i] = runItem(ctx, runner, b, input, rec)
			return nil
		})
	}
	_ = g.Wait()

	return results[:dispatched], dispatched == len(b.Inputs)
}

// runItem runs one input. A failure, panics included, only affects this item.
func runItem(ctx context.Context, runner ChainRunner, b Batch, input string, rec Recorder) (res models.JobResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = models.JobResult{
				Input:         input,
				Intermediates: []string{},
				Status:        models.ResultStatusError,
				Error:         fmt.Sprintf("panic: %v", r),
			}
		}
		rec.RecordTiming(metrics.OpChainItem, time.Since(start), res.Status != models.ResultStatusSuccess)
	}()

	return runner.Run(ctx, b.SystemPrompt, b.Templates, input, b.Settings).WithInput(input)
}
