package vllm

import (
	"github.com/kiranshivaraju/promptflow/internal/ai/openai"
	"github.com/kiranshivaraju/promptflow/internal/config"
)

// NewProvider returns a provider for a vLLM server. vLLM exposes the OpenAI
// chat completions protocol and normally runs without credentials.
func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	return openai.NewCompatible("vllm", config.OpenAIConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	}, openai.WithoutAPIKey())
}
