// Package models contains shared data models used across the PromptFlow codebase.
package models

import "context"

// LLMProvider is the core interface that all model backends must implement.
// Never call specific backends directly; go through ai.Adapter.
type LLMProvider interface {
	// Complete sends one system + user message pair and returns the text reply.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
}

// CompletionRequest is the input to a single provider call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserMessage  string
	Temperature  float64
	MaxTokens    int
}

// Completion is the reply of a single provider call. Token counts the
// provider does not report are zero.
type Completion struct {
	Output     string
	TokenUsage TokenUsage
}
