package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/promptflow/internal/cache"
	"github.com/kiranshivaraju/promptflow/internal/store"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

// Reaper fails jobs that stopped making progress: jobs of a server that
// exited mid-run, or delegated jobs whose worker never reported back. Running
// jobs stay fresh through orchestrator heartbeats and worker callbacks.
type Reaper struct {
	store      store.Store
	cache      cache.Cache
	recorder   Recorder
	staleAfter time.Duration
	now        func() time.Time
}

func NewReaper(st store.Store, c cache.Cache, staleAfter time.Duration, rec Recorder) *Reaper {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Reaper{store: st, cache: c, recorder: rec, staleAfter: staleAfter, now: time.Now}
}

// Sweep fails every open job without progress for longer than staleAfter and
// returns how many it failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	reason := fmt.Sprintf("no progress for %s, marked failed", r.staleAfter)
	ids, err := r.store.FailStaleJobs(ctx, r.now().UTC().Add(-r.staleAfter), reason)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale jobs: %w", err)
	}
	for _, id := range ids {
		slog.Warn("stale job marked failed", "job_id", id, "stale_after", r.staleAfter)
		if r.cache != nil {
			if err := r.cache.SetJobStatus(ctx, id, models.JobStatusFailed); err != nil {
				slog.Warn("failed to mirror job status", "job_id", id, "error", err)
			}
		}
		r.recorder.RecordJobOutcome(models.JobStatusFailed)
	}
	return len(ids), nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("stale job sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
