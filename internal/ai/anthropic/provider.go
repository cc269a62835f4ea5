package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/kiranshivaraju/promptflow/internal/ai/backend"
	"github.com/kiranshivaraju/promptflow/internal/config"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
)

// The Messages API requires max_tokens on every request.
const defaultMaxTokens = 1000

// Provider implements models.LLMProvider using the Anthropic Messages API
// through langchaingo.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client

	once    sync.Once
	llm     llms.Model
	initErr error
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) model() (llms.Model, error) {
	p.once.Do(func() {
		opts := []anthropic.Option{
			anthropic.WithToken(p.cfg.APIKey),
			anthropic.WithModel(p.cfg.Model),
			anthropic.WithHTTPClient(&backend.StatusDoer{Provider: p.Name(), Client: p.client}),
		}
		if p.cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(p.cfg.BaseURL))
		}
		p.llm, p.initErr = anthropic.New(opts...)
	})
	return p.llm, p.initErr
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return models.Completion{}, backend.MissingAPIKey(p.Name())
	}
	llm, err := p.model()
	if err != nil {
		return models.Completion{}, fmt.Errorf("%w: anthropic: %v", backend.ErrProviderUnavailable, err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, req.UserMessage),
	}
	opts := []llms.CallOption{
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(maxTokens),
	}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}

	resp, err := llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return models.Completion{}, classify(err)
	}

	var text strings.Builder
	for _, choice := range resp.Choices {
		text.WriteString(choice.Content)
	}
	if len(resp.Choices) == 0 || text.Len() == 0 {
		return models.Completion{}, fmt.Errorf("%w: anthropic returned no text content", backend.ErrInvalidResponse)
	}

	return models.Completion{
		Output:     text.String(),
		TokenUsage: tokenUsageFrom(resp.Choices[0].GenerationInfo),
	}, nil
}

func classify(err error) error {
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		return statusErr
	}
	if errors.Is(err, anthropic.ErrEmptyResponse) {
		return fmt.Errorf("%w: anthropic returned no text content", backend.ErrInvalidResponse)
	}
	return backend.ClassifyError("anthropic", err)
}

// tokenUsageFrom reads the usage counters of a Messages API reply.
func tokenUsageFrom(info map[string]any) models.TokenUsage {
	return models.TokenUsage{
		Prompt:     backend.TokenCount(info, "InputTokens"),
		Completion: backend.TokenCount(info, "OutputTokens"),
	}
}

var _ models.LLMProvider = (*Provider)(nil)
