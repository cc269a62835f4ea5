package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/internal/chain"
	"github.com/kiranshivaraju/promptflow/internal/store"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

// --- store ---

// memStore is an in-memory store.Store that enforces the same status
// transitions as the Postgres implementation.
type memStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	templates map[uuid.UUID]string

	templateErr error
	saveErr     error
	staleErr    error
	statusCalls []string
	touches     int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job), templates: make(map[uuid.UUID]string)}
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) GetDefaultUser(context.Context) (*models.User, error) {
	return &models.User{ID: uuid.New(), Name: "default"}, nil
}
func (s *memStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *memStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error    { return nil }
func (s *memStore) CreateAPIKey(context.Context, *models.APIKey) error       { return nil }
func (s *memStore) RevokeAPIKey(context.Context, uuid.UUID, uuid.UUID) error { return nil }
func (s *memStore) ListAPIKeys(context.Context, uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}

func (s *memStore) GetTemplateName(_ context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templateErr != nil {
		return "", s.templateErr
	}
	name, ok := s.templates[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return name, nil
}

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	if cp.TemplateID != nil {
		if name, ok := s.templates[*cp.TemplateID]; ok {
			cp.TemplateName = &name
		}
	}
	return &cp, nil
}

func (s *memStore) GetJobForUser(ctx context.Context, id, userID uuid.UUID) (*models.Job, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID == nil || *j.UserID != userID {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (s *memStore) ListJobs(_ context.Context, userID uuid.UUID, _ int) ([]*models.JobSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.JobSummary
	for _, j := range s.jobs {
		if j.UserID != nil && *j.UserID == userID {
			out = append(out, &models.JobSummary{ID: j.ID, Status: j.Status, ItemsTotal: len(j.InputData)})
		}
	}
	return out, nil
}

func (s *memStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}
	s.statusCalls = append(s.statusCalls, status)

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	if status == models.JobStatusRunning {
		j.StartedAt = &now
	}
	if models.IsTerminalStatus(status) {
		j.CompletedAt = &now
	}
	params := store.ResolveUpdateOptions(opts...)
	if params.LogLine != nil {
		j.Logs = append(j.Logs, *params.LogLine)
	}
	if params.ExecutionID != nil {
		j.ExecutionID = params.ExecutionID
	}
	return nil
}

func (s *memStore) SaveJobOutcome(_ context.Context, id uuid.UUID, outcome store.JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, outcome.Status)
	}
	now := time.Now().UTC()
	j.Status = outcome.Status
	j.UpdatedAt = now
	j.Results = outcome.Results
	j.TokenUsage = outcome.TokenUsage
	if j.Name == nil {
		j.Name = outcome.Name
	}
	j.CompletedAt = &now
	return nil
}

func (s *memStore) ApplyCallback(_ context.Context, id uuid.UUID, u store.CallbackUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	open := j.Status == models.JobStatusPending || j.Status == models.JobStatusRunning
	finishing := u.Status == models.JobStatusCompleted || u.Status == models.JobStatusFailed
	done := j.Status == models.JobStatusCompleted || j.Status == models.JobStatusFailed
	if !open && !(done && finishing) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, u.Status)
	}
	now := time.Now().UTC()
	j.Status = u.Status
	j.UpdatedAt = now
	j.Results = u.Results
	j.TokenUsage = u.TokenUsage
	if j.Name == nil {
		j.Name = u.Name
	}
	if u.ExecutionID != nil {
		j.ExecutionID = u.ExecutionID
	}
	if finishing && j.CompletedAt == nil {
		j.CompletedAt = &now
	}
	return nil
}

func (s *memStore) TouchJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	if j, ok := s.jobs[id]; ok && j.Status == models.JobStatusRunning {
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *memStore) FailStaleJobs(_ context.Context, staleBefore time.Time, logLine string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleErr != nil {
		return nil, s.staleErr
	}
	now := time.Now().UTC()
	var ids []uuid.UUID
	for id, j := range s.jobs {
		if models.IsTerminalStatus(j.Status) || !j.UpdatedAt.Before(staleBefore) {
			continue
		}
		j.Status = models.JobStatusFailed
		j.Logs = append(j.Logs, logLine)
		j.CompletedAt = &now
		j.UpdatedAt = now
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) touchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches
}

func (s *memStore) job(id uuid.UUID) *models.Job {
	j, err := s.GetJob(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return j
}

// --- cache ---

type memCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	statuses map[uuid.UUID]string
	setErr   error
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string][]byte), statuses: make(map[uuid.UUID]string)}
}

func (c *memCache) Ping(context.Context) error { return nil }
func (c *memCache) Close() error               { return nil }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *memCache) SetIfAbsent(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return false, c.setErr
	}
	if _, ok := c.values[key]; ok {
		return false, nil
	}
	c.values[key] = value
	return true, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *memCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *memCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[jobID]
	return s, ok, nil
}

func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (c *memCache) status(jobID uuid.UUID) string {
	s, _, _ := c.GetJobStatus(context.Background(), jobID)
	return s
}

// --- chain runner ---

// scriptedRunner answers each input with "out:<input>" unless the input has
// an entry in fail or delay.
type scriptedRunner struct {
	fail  map[string]string
	delay map[string]time.Duration
	panic map[string]bool
	// onStart runs when an item begins.
	onStart func(input string)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (r *scriptedRunner) Run(_ context.Context, _ string, _ []string, input string, _ models.Settings) chain.Result {
	r.calls.Add(1)
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		m := r.maxInFlight.Load()
		if n <= m || r.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if r.onStart != nil {
		r.onStart(input)
	}
	if d, ok := r.delay[input]; ok {
		time.Sleep(d)
	}
	if r.panic[input] {
		panic("boom")
	}
	if msg, ok := r.fail[input]; ok {
		return chain.Result{Intermediates: []string{}, Status: models.ResultStatusError, Error: msg}
	}
	return chain.Result{
		Intermediates: []string{},
		FinalOutput:   "out:" + input,
		TokenUsage:    models.TokenUsage{Prompt: 10, Completion: 5},
		Status:        models.ResultStatusSuccess,
	}
}

// --- recorder ---

type recorder struct {
	mu       sync.Mutex
	timings  int
	outcomes []string
}

func (r *recorder) RecordTiming(string, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings++
}

func (r *recorder) RecordJobOutcome(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, status)
}

// --- providers ---

type providerSet map[string]bool

func (p providerSet) Has(name string) bool { return p[name] }
func (p providerSet) Default() string      { return "openai" }

var testProviders = providerSet{"openai": true, "anthropic": true}

// --- builders ---

func newTestJob(userID uuid.UUID, batch bool, concurrency int, inputs ...string) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:     uuid.New(),
		UserID: &userID,
		Status: models.JobStatusPending,
		Config: models.JobConfig{
			SystemPrompt: "sys",
			UserPrompts:  []models.UserPrompt{{Content: "Summarize: {input}"}},
			Settings: models.Settings{
				Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 100,
				BatchProcessing: batch, ConcurrentRequests: concurrency,
			},
		},
		InputData: inputs,
		Results:   []models.JobResult{},
		Logs:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
