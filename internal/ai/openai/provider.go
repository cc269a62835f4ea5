package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/promptflow/internal/ai/backend"
	"github.com/kiranshivaraju/promptflow/internal/config"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

// Provider implements models.LLMProvider against the OpenAI chat completions
// API or any endpoint that speaks the same protocol.
type Provider struct {
	name       string
	cfg        config.OpenAIConfig
	requireKey bool
	client     *http.Client
}

// Option customizes a Provider.
type Option func(*Provider)

// WithoutAPIKey allows calls without credentials, for self-hosted endpoints.
func WithoutAPIKey() Option {
	return func(p *Provider) { p.requireKey = false }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// NewProvider returns the provider for api.openai.com.
func NewProvider(cfg config.OpenAIConfig, opts ...Option) *Provider {
	return NewCompatible("openai", cfg, opts...)
}

// NewCompatible returns a provider registered under name that talks to an
// OpenAI-compatible endpoint at cfg.BaseURL.
func NewCompatible(name string, cfg config.OpenAIConfig, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		cfg:        cfg,
		requireKey: true,
		client:     &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
	if p.requireKey && strings.TrimSpace(p.cfg.APIKey) == "" {
		return models.Completion{}, backend.MissingAPIKey(p.name)
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	headers := map[string]string{}
	if p.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.APIKey
	}

	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserMessage},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var resp chatResponse
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	if err := backend.PostJSON(ctx, p.client, p.name, url, headers, body, &resp); err != nil {
		return models.Completion{}, err
	}

	if len(resp.Choices) == 0 {
		return models.Completion{}, fmt.Errorf("%w: %s returned no choices", backend.ErrInvalidResponse, p.name)
	}

	out := models.Completion{Output: resp.Choices[0].Message.Content}
	if resp.Usage != nil {
		out.TokenUsage = models.TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

var _ models.LLMProvider = (*Provider)(nil)
