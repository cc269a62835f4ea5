package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orchestratorFixture struct {
	store  *memStore
	cache  *memCache
	runner *scriptedRunner
	rec    *recorder
	orch   *Orchestrator
	userID uuid.UUID
}

func newOrchestratorFixture(maxConcurrency int) *orchestratorFixture {
	f := &orchestratorFixture{
		store:  newMemStore(),
		cache:  newMemCache(),
		runner: &scriptedRunner{},
		rec:    &recorder{},
		userID: uuid.New(),
	}
	f.orch = NewOrchestrator(f.store, f.cache, f.runner, OrchestratorConfig{
		MaxConcurrency: maxConcurrency,
		Recorder:       f.rec,
	})
	return f
}

func (f *orchestratorFixture) create(t *testing.T, job *models.Job) *models.Job {
	t.Helper()
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func TestProcess_SingleModeSuccess(t *testing.T) {
	f := newOrchestratorFixture(10)
	job := f.create(t, newTestJob(f.userID, false, 0, "hello"))

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "hello", got.Results[0].Input)
	assert.Equal(t, "out:hello", got.Results[0].FinalOutput)
	assert.Equal(t, 15, got.TokenUsage)
	require.NotNil(t, got.Name)
	assert.Equal(t, "out:hello", *got.Name)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, models.JobStatusCompleted, f.cache.status(job.ID))
	assert.Equal(t, []string{models.JobStatusCompleted}, f.rec.outcomes)
}

func TestProcess_SingleModeFailure(t *testing.T) {
	f := newOrchestratorFixture(10)
	f.runner.fail = map[string]string{"hello": "ai inference timed out: openai request timed out after 2m0s"}
	job := f.create(t, newTestJob(f.userID, false, 0, "hello"))

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, models.ResultStatusError, got.Results[0].Status)
	assert.Contains(t, got.Results[0].Error, "timed out")
	assert.Equal(t, 0, got.TokenUsage)
	require.NotNil(t, got.Name)
	assert.Equal(t, "Job "+job.ID.String()[:8], *got.Name)
}

func TestProcess_SingleModeOnlyRunsFirstInput(t *testing.T) {
	f := newOrchestratorFixture(10)
	job := f.create(t, newTestJob(f.userID, false, 0, "first", "second", "third"))

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "first", got.Results[0].Input)
	assert.Equal(t, int32(1), f.runner.calls.Load())
}

func TestProcess_BatchAllOrNothing(t *testing.T) {
	f := newOrchestratorFixture(10)
	f.runner.fail = map[string]string{"b": "anthropic API error (529): overloaded"}
	job := f.create(t, newTestJob(f.userID, true, 2, "a", "b", "c"))

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.Len(t, got.Results, 3)
	errCount := 0
	for _, r := range got.Results {
		if r.Status == models.ResultStatusError {
			errCount++
		}
	}
	assert.Equal(t, 1, errCount)
	assert.Equal(t, 30, got.TokenUsage)
	assert.Equal(t, "out:a", *got.Name)
}

func TestProcess_BatchKeepsOrder(t *testing.T) {
	f := newOrchestratorFixture(10)
	f.runner.delay = map[string]time.Duration{"a": 50 * time.Millisecond, "b": 25 * time.Millisecond}
	job := f.create(t, newTestJob(f.userID, true, 3, "a", "b", "c"))

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	require.Len(t, got.Results, 3)
	for i, input := range job.InputData {
		assert.Equal(t, input, got.Results[i].Input)
	}
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestProcess_ClampsConcurrency(t *testing.T) {
	f := newOrchestratorFixture(2)
	f.runner.delay = map[string]time.Duration{}
	inputs := []string{"1", "2", "3", "4", "5"}
	for _, in := range inputs {
		f.runner.delay[in] = 15 * time.Millisecond
	}
	job := f.create(t, newTestJob(f.userID, true, 10, inputs...))

	f.orch.Process(context.Background(), job)

	assert.LessOrEqual(t, f.runner.maxInFlight.Load(), int32(2))
	assert.Equal(t, models.JobStatusCompleted, f.store.job(job.ID).Status)
}

func TestProcess_UsesTemplateName(t *testing.T) {
	f := newOrchestratorFixture(10)
	templateID := uuid.New()
	f.store.templates[templateID] = "Summarizer"
	job := newTestJob(f.userID, false, 0, "hello")
	job.TemplateID = &templateID
	f.create(t, job)

	f.orch.Process(context.Background(), job)

	assert.Equal(t, "Summarizer: out:hello", *f.store.job(job.ID).Name)
}

func TestProcess_KeepsExistingName(t *testing.T) {
	f := newOrchestratorFixture(10)
	job := newTestJob(f.userID, false, 0, "hello")
	name := "My job"
	job.Name = &name
	f.create(t, job)

	f.orch.Process(context.Background(), job)

	assert.Equal(t, "My job", *f.store.job(job.ID).Name)
}

func TestProcess_DeletedTemplateIsIgnored(t *testing.T) {
	f := newOrchestratorFixture(10)
	templateID := uuid.New()
	job := newTestJob(f.userID, false, 0, "hello")
	job.TemplateID = &templateID
	f.create(t, job)

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "out:hello", *got.Name)
}

func TestProcess_TemplateLookupFailureAbortsJob(t *testing.T) {
	f := newOrchestratorFixture(10)
	f.store.templateErr = errors.New("connection reset")
	templateID := uuid.New()
	job := newTestJob(f.userID, true, 2, "a", "b")
	job.TemplateID = &templateID
	f.create(t, job)

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Empty(t, got.Results)
	assert.NotNil(t, got.CompletedAt)
	require.Len(t, got.Logs, 1)
	assert.Contains(t, got.Logs[0], "template lookup failed: connection reset")
	assert.Equal(t, int32(0), f.runner.calls.Load())
	assert.Equal(t, models.JobStatusFailed, f.cache.status(job.ID))
	assert.Equal(t, []string{models.JobStatusFailed}, f.rec.outcomes)
}

func TestProcess_SaveFailureMarksJobFailed(t *testing.T) {
	f := newOrchestratorFixture(10)
	f.store.saveErr = errors.New("disk full")
	job := f.create(t, newTestJob(f.userID, false, 0, "hello"))

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.Len(t, got.Logs, 1)
	assert.Contains(t, got.Logs[0], "saving results failed: disk full")
}

func TestProcess_SkipsJobThatIsNoLongerPending(t *testing.T) {
	f := newOrchestratorFixture(10)
	job := f.create(t, newTestJob(f.userID, false, 0, "hello"))
	require.NoError(t, f.store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusCancelled))

	f.orch.Process(context.Background(), job)

	assert.Equal(t, models.JobStatusCancelled, f.store.job(job.ID).Status)
	assert.Equal(t, int32(0), f.runner.calls.Load())
}

func TestProcess_StopSignalHaltsDispatch(t *testing.T) {
	f := newOrchestratorFixture(10)
	job := f.create(t, newTestJob(f.userID, true, 1, "a", "b", "c"))
	release := f.orch.Stops().Register(job.ID)
	defer release()

	f.runner.onStart = func(input string) {
		if input == "a" {
			assert.NoError(t, f.store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusCancelled))
			f.orch.Stops().Stop(job.ID)
		}
	}

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Empty(t, got.Results, "a cancelled job keeps no results")
	assert.Equal(t, int32(1), f.runner.calls.Load())
	assert.Equal(t, []string{models.JobStatusCancelled}, f.rec.outcomes)
}

func TestProcess_CachedCancellationHaltsDispatch(t *testing.T) {
	f := newOrchestratorFixture(10)
	job := f.create(t, newTestJob(f.userID, true, 1, "a", "b", "c"))

	f.runner.onStart = func(input string) {
		if input == "b" {
			assert.NoError(t, f.store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusCancelled))
			assert.NoError(t, f.cache.SetJobStatus(context.Background(), job.ID, models.JobStatusCancelled))
		}
	}

	f.orch.Process(context.Background(), job)

	assert.Equal(t, models.JobStatusCancelled, f.store.job(job.ID).Status)
	assert.Equal(t, int32(2), f.runner.calls.Load())
}

func TestProcess_CancelledAfterLastItemIsNotOverwritten(t *testing.T) {
	f := newOrchestratorFixture(10)
	job := f.create(t, newTestJob(f.userID, false, 0, "only"))

	f.runner.onStart = func(string) {
		assert.NoError(t, f.store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusCancelled))
	}

	f.orch.Process(context.Background(), job)

	got := f.store.job(job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Empty(t, got.Results)
	assert.Equal(t, []string{models.JobStatusCancelled}, f.rec.outcomes)
}

func TestProcess_HeartbeatTouchesRunningJob(t *testing.T) {
	f := newOrchestratorFixture(10)
	f.orch = NewOrchestrator(f.store, f.cache, f.runner, OrchestratorConfig{
		MaxConcurrency: 10,
		Recorder:       f.rec,
		Heartbeat:      5 * time.Millisecond,
	})
	f.runner.delay = map[string]time.Duration{"slow": 80 * time.Millisecond}
	job := f.create(t, newTestJob(f.userID, false, 0, "slow"))

	f.orch.Process(context.Background(), job)

	assert.Equal(t, models.JobStatusCompleted, f.store.job(job.ID).Status)
	touches := f.store.touchCount()
	assert.Positive(t, touches)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, touches, f.store.touchCount(), "heartbeat stops with the job")
}

func TestProcess_NoHeartbeatByDefault(t *testing.T) {
	f := newOrchestratorFixture(10)
	f.runner.delay = map[string]time.Duration{"slow": 20 * time.Millisecond}
	job := f.create(t, newTestJob(f.userID, false, 0, "slow"))

	f.orch.Process(context.Background(), job)

	assert.Equal(t, 0, f.store.touchCount())
}
