package ai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kiranshivaraju/promptflow/internal/ai/anthropic"
	"github.com/kiranshivaraju/promptflow/internal/ai/ollama"
	"github.com/kiranshivaraju/promptflow/internal/ai/openai"
	"github.com/kiranshivaraju/promptflow/internal/ai/vllm"
	"github.com/kiranshivaraju/promptflow/internal/config"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

// Registry resolves provider names to backends. It is built once at startup
// and is read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	providers       map[string]models.LLMProvider
	defaultProvider string
}

// NewRegistry constructs every known backend from config.
// Backends without credentials are still registered; they fail per call.
func NewRegistry(cfg config.AIConfig) *Registry {
	return NewRegistryWith(cfg.DefaultProvider,
		openai.NewProvider(cfg.OpenAI),
		openai.NewCompatible("xai", cfg.XAI),
		anthropic.NewProvider(cfg.Anthropic),
		ollama.NewProvider(cfg.Ollama),
		vllm.NewProvider(cfg.VLLM),
	)
}

// NewRegistryWith builds a registry from explicit providers, keyed by Name().
func NewRegistryWith(defaultProvider string, providers ...models.LLMProvider) *Registry {
	r := &Registry{
		providers:       make(map[string]models.LLMProvider, len(providers)),
		defaultProvider: normalize(defaultProvider),
	}
	for _, p := range providers {
		r.providers[normalize(p.Name())] = p
	}
	return r
}

// Get returns the provider registered under name. An empty name selects the default.
func (r *Registry) Get(name string) (models.LLMProvider, error) {
	key := normalize(name)
	if key == "" {
		key = r.defaultProvider
	}
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnsupportedProvider, name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Has reports whether a provider is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.providers[normalize(name)]
	return ok
}

// Default returns the name of the default provider.
func (r *Registry) Default() string { return r.defaultProvider }

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
