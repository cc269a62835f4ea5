package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

const (
	ResultStatusSuccess = "success"
	ResultStatusError   = "error"
)

// IsTerminalStatus reports whether a job in this status will never change again.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one submission of a prompt configuration applied to one or more inputs.
// The API returns its id on POST /api/v1/jobs; clients poll GET /api/v1/jobs/{id}
// until status is completed, failed or cancelled.
type Job struct {
	ID           uuid.UUID   `db:"id"           json:"id"`
	UserID       *uuid.UUID  `db:"user_id"      json:"userId,omitempty"`
	TemplateID   *uuid.UUID  `db:"template_id"  json:"templateId,omitempty"`
	TemplateName *string     `db:"-"            json:"templateName,omitempty"`
	Name         *string     `db:"name"         json:"name"`
	Status       string      `db:"status"       json:"status"`
	Config       JobConfig   `db:"config"       json:"config"`
	InputData    []string    `db:"input_data"   json:"inputData"`
	Results      []JobResult `db:"results"      json:"results"`
	Logs         []string    `db:"logs"         json:"logs"`
	TokenUsage   int         `db:"token_usage"  json:"tokenUsage"`
	ExecutionID  *string     `db:"execution_id" json:"executionId,omitempty"`
	StartedAt    *time.Time  `db:"started_at"   json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt    time.Time   `db:"created_at"   json:"createdAt"`
	UpdatedAt    time.Time   `db:"updated_at"   json:"updatedAt"`
}

// IsBatch reports whether the job runs in batch mode. A single input is
// always processed in single mode regardless of the batch flag.
func (j *Job) IsBatch() bool {
	return j.Config.Settings.BatchProcessing && len(j.InputData) > 1
}

// ProcessedInputs returns the inputs the job runs its chain on. Single mode
// only processes the first input.
func (j *Job) ProcessedInputs() []string {
	if j.IsBatch() || len(j.InputData) == 0 {
		return j.InputData
	}
	return j.InputData[:1]
}

// ItemsExpected is the number of results that make the job fully processed.
func (j *Job) ItemsExpected() int {
	return len(j.ProcessedInputs())
}

// JobConfig is the prompt configuration snapshot taken at submission time.
type JobConfig struct {
	SystemPrompt string       `json:"systemPrompt"`
	UserPrompts  []UserPrompt `json:"userPrompts"`
	Settings     Settings     `json:"settings"`
}

// Templates returns the ordered user prompt texts.
func (c JobConfig) Templates() []string {
	out := make([]string, len(c.UserPrompts))
	for i, p := range c.UserPrompts {
		out[i] = p.Content
	}
	return out
}

type UserPrompt struct {
	ID      string `json:"id,omitempty"     yaml:"id,omitempty"`
	Content string `json:"content"          yaml:"content"`
}

// Settings are the per-job generation parameters.
type Settings struct {
	Provider           string  `json:"provider"           yaml:"provider"`
	Model              string  `json:"model"              yaml:"model"`
	Temperature        float64 `json:"temperature"        yaml:"temperature"`
	MaxTokens          int     `json:"maxTokens"          yaml:"maxTokens"`
	BatchProcessing    bool    `json:"batchProcessing"    yaml:"batchProcessing"`
	ConcurrentRequests int     `json:"concurrentRequests" yaml:"concurrentRequests"`
}

// TokenUsage counts tokens consumed by one or more provider calls.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

func (u TokenUsage) Total() int {
	return u.Prompt + u.Completion
}

func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{Prompt: u.Prompt + other.Prompt, Completion: u.Completion + other.Completion}
}

// JobResult is the outcome of running the full prompt chain on one input.
// Status error implies an empty FinalOutput and zero token usage.
type JobResult struct {
	Input         string     `json:"input"`
	Intermediates []string   `json:"intermediates"`
	FinalOutput   string     `json:"finalOutput"`
	TokenUsage    TokenUsage `json:"tokenUsage"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
}

// SumTokenUsage returns the total token usage across all results.
func SumTokenUsage(results []JobResult) int {
	total := 0
	for _, r := range results {
		total += r.TokenUsage.Total()
	}
	return total
}

// AllSucceeded reports whether every result has status success.
func AllSucceeded(results []JobResult) bool {
	for _, r := range results {
		if r.Status != ResultStatusSuccess {
			return false
		}
	}
	return true
}

// JobSummary is the list view of a job.
type JobSummary struct {
	ID             uuid.UUID  `json:"id"`
	Name           *string    `json:"name"`
	TemplateName   *string    `json:"templateName"`
	Status         string     `json:"status"`
	ItemsTotal     int        `json:"itemsTotal"`
	ItemsCompleted int        `json:"itemsCompleted"`
	TokenUsage     int        `json:"tokenUsage"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	TemplateID *uuid.UUID `json:"templateId,omitempty"`
	Name       *string    `json:"name,omitempty"`
	Config     *JobConfig `json:"config"`
	InputData  []string   `json:"inputData"`
}

// JobAck acknowledges a job submission or cancellation.
type JobAck struct {
	ID      uuid.UUID `json:"id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}
