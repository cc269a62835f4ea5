package ollama

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/promptflow/internal/ai/backend"
	"github.com/kiranshivaraju/promptflow/internal/config"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Provider implements models.LLMProvider using a local Ollama server via langchaingo.
type Provider struct {
	cfg config.OllamaConfig

	once    sync.Once
	llm     llms.Model
	initErr error
}

func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) model() (llms.Model, error) {
	p.once.Do(func() {
		p.llm, p.initErr = ollama.New(
			ollama.WithModel(p.cfg.Model),
			ollama.WithServerURL(p.cfg.BaseURL),
		)
	})
	return p.llm, p.initErr
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	llm, err := p.model()
	if err != nil {
		return models.Completion{}, fmt.Errorf("%w: ollama: %v", backend.ErrProviderUnavailable, err)
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, req.UserMessage),
	}
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	resp, err := llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return models.Completion{}, backend.ClassifyError(p.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return models.Completion{}, fmt.Errorf("%w: ollama returned no choices", backend.ErrInvalidResponse)
	}

	choice := resp.Choices[0]
	return models.Completion{
		Output:     choice.Content,
		TokenUsage: tokenUsageFrom(choice.GenerationInfo),
	}, nil
}

// tokenUsageFrom reads the token counters langchaingo reports for Ollama.
func tokenUsageFrom(info map[string]any) models.TokenUsage {
	return models.TokenUsage{
		Prompt:     backend.TokenCount(info, "PromptTokens"),
		Completion: backend.TokenCount(info, "CompletionTokens"),
	}
}

var _ models.LLMProvider = (*Provider)(nil)
