package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/promptflow/pkg/models"
)

// DefaultCallTimeout bounds a single provider call when none is configured.
const DefaultCallTimeout = 120 * time.Second

// Recorder receives per-call statistics. *metrics.Collector implements it.
type Recorder interface {
	RecordLLMCall(provider string, duration time.Duration, promptTokens, completionTokens int, failed bool)
}

// Adapter is the single entry point for model calls: it selects the backend
// named in the job settings and bounds every call with a deadline.
// Calls are never retried.
type Adapter struct {
	registry *Registry
	timeout  time.Duration
	recorder Recorder
}

// NewAdapter creates an Adapter. recorder may be nil.
func NewAdapter(registry *Registry, timeout time.Duration, recorder Recorder) *Adapter {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Adapter{registry: registry, timeout: timeout, recorder: recorder}
}

// Call sends one system + user message pair to the provider named in settings.
func (a *Adapter) Call(ctx context.Context, systemPrompt, userMessage string, settings models.Settings) (models.Completion, error) {
	provider, err := a.registry.Get(settings.Provider)
	if err != nil {
		return models.Completion{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	out, err := provider.Complete(callCtx, models.CompletionRequest{
		Model:        settings.Model,
		SystemPrompt: systemPrompt,
		UserMessage:  userMessage,
		Temperature:  settings.Temperature,
		MaxTokens:    settings.MaxTokens,
	})
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == nil && (errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, ErrInferenceTimeout)) {
			err = fmt.Errorf("%w: %s request timed out after %s; the API may be slow or unreachable",
				ErrInferenceTimeout, provider.Name(), a.timeout)
		}
		a.record(provider.Name(), elapsed, models.TokenUsage{}, true)
		return models.Completion{}, err
	}

	a.record(provider.Name(), elapsed, out.TokenUsage, false)
	return out, nil
}

func (a *Adapter) record(provider string, d time.Duration, usage models.TokenUsage, failed bool) {
	if a.recorder == nil {
		return
	}
	a.recorder.RecordLLMCall(provider, d, usage.Prompt, usage.Completion, failed)
}
