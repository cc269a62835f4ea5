package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/internal/chain"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

// Limits applied to job submissions.
const (
	MaxUserPrompts        = 3
	MinTemperature        = 0.0
	MaxTemperature        = 2.0
	MaxMaxTokens          = 32000
	MaxConcurrentRequests = 10

	defaultMaxTokens = 1000
)

var ErrValidation = errors.New("invalid job request")

// ValidationError lists every problem found in a job submission.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewJob is a job submission as received at the API boundary.
type NewJob struct {
	TemplateID *uuid.UUID
	Name       *string
	Config     *models.JobConfig
	InputData  []string
	// IdempotencyKey, when set, makes repeated submissions return the first job.
	IdempotencyKey string
}

// ProviderSet reports which providers can serve calls. *ai.Registry implements it.
type ProviderSet interface {
	Has(name string) bool
	Default() string
}

// normalize fills defaults that a client may leave out.
func normalize(req *NewJob, providers ProviderSet) {
	if req.Config == nil {
		return
	}
	s := &req.Config.Settings
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	if s.Provider == "" && providers != nil {
		s.Provider = providers.Default()
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = defaultMaxTokens
	}
	if s.BatchProcessing && s.ConcurrentRequests == 0 {
		s.ConcurrentRequests = 1
	}
}

// Validate checks a submission. It returns a *ValidationError listing all
// problems, or nil.
func Validate(req *NewJob, providers ProviderSet) error {
	var problems []string

	if req.Config == nil {
		problems = append(problems, "config is required")
	} else {
		problems = append(problems, validatePrompts(req.Config.UserPrompts)...)
		problems = append(problems, validateSettings(req.Config.Settings, providers)...)
	}

	if len(req.InputData) == 0 {
		problems = append(problems, "inputData must contain at least one item")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validatePrompts(prompts []models.UserPrompt) []string {
	if len(prompts) == 0 {
		return []string{"at least one user prompt is required"}
	}

	var problems []string
	if len(prompts) > MaxUserPrompts {
		problems = append(problems, fmt.Sprintf("at most %d user prompts are allowed, got %d", MaxUserPrompts, len(prompts)))
	}
	if !strings.Contains(prompts[0].Content, chain.InputToken) {
		problems = append(problems, fmt.Sprintf("first prompt must contain the %s placeholder", chain.InputToken))
	}
	for i, p := range prompts {
		if strings.TrimSpace(p.Content) == "" {
			problems = append(problems, fmt.Sprintf("prompt %d cannot be empty", i+1))
		}
	}
	return problems
}

func validateSettings(s models.Settings, providers ProviderSet) []string {
	var problems []string

	if providers != nil && !providers.Has(s.Provider) {
		problems = append(problems, fmt.Sprintf("unsupported provider %q", s.Provider))
	}
	if s.Temperature < MinTemperature || s.Temperature > MaxTemperature {
		problems = append(problems, "temperature must be between 0 and 2")
	}
	if s.MaxTokens < 1 || s.MaxTokens > MaxMaxTokens {
		problems = append(problems, fmt.Sprintf("maxTokens must be between 1 and %d", MaxMaxTokens))
	}
	if s.BatchProcessing && (s.ConcurrentRequests < 1 || s.ConcurrentRequests > MaxConcurrentRequests) {
		problems = append(problems, fmt.Sprintf("concurrentRequests must be between 1 and %d", MaxConcurrentRequests))
	}
	return problems
}
