package llm

import (
	"context"
	"strings"

	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Check enforces the preconditions every LLM action shares: settings must
// exist, be enabled and carry a key. Ollama runs locally and needs none.
func Check(s *store.LLMSettings) error {
	if s == nil || !s.Enabled {
		return fault.New(fault.LlmDisabled, "the assistant is disabled; enable it in the LLM settings")
	}
	provider := strings.ToLower(strings.TrimSpace(s.Provider))
	if provider != "ollama" && strings.TrimSpace(s.APIKey) == "" {
		return fault.New(fault.LlmUnauthorized, "no API key configured for %s", s.Provider)
	}
	return nil
}

// Supported reports whether NewModel knows provider.
func Supported(provider string) bool {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai", "openrouter", "anthropic", "ollama":
		return true
	}
	return false
}

// NewModel builds the langchaingo model for s.
func NewModel(s *store.LLMSettings) (llms.Model, error) {
	if err := Check(s); err != nil {
		return nil, err
	}
	provider := strings.ToLower(strings.TrimSpace(s.Provider))

	var (
		model llms.Model
		err   error
	)
	switch provider {
	case "", "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(s.APIKey),
			openai.WithModel(s.Model),
		}
		if s.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(s.BaseURL))
		}
		model, err = openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(s.APIKey),
			anthropic.WithModel(s.Model),
		}
		if s.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(s.BaseURL))
		}
		model, err = anthropic.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(s.Model)}
		if s.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(s.BaseURL))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fault.New(fault.LlmDisabled, "provider %s is not supported", s.Provider)
	}
	if err != nil {
		return nil, fault.Wrap(fault.LlmDisabled, err, "initialise %s", s.Provider)
	}
	return model, nil
}

// Source hands out a client for the settings in effect right now. Persisted
// settings win over the configured fallback, so a change applies on the
// next call.
type Source struct {
	repo     *store.Repository
	fallback *store.LLMSettings
	prompts  *PromptManager
	logger   *observability.Logger
	newModel func(*store.LLMSettings) (llms.Model, error)
}

func NewSource(repo *store.Repository, fallback *store.LLMSettings, prompts *PromptManager, logger *observability.Logger) *Source {
	return &Source{repo: repo, fallback: fallback, prompts: prompts, logger: logger, newModel: NewModel}
}

// WithModelFactory replaces the provider constructor, used by tests.
func (s *Source) WithModelFactory(f func(*store.LLMSettings) (llms.Model, error)) *Source {
	s.newModel = f
	return s
}

// Settings returns the settings a call would use right now.
func (s *Source) Settings(ctx context.Context) (*store.LLMSettings, error) {
	settings, err := s.repo.LLMSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings = s.fallback
	}
	return settings, nil
}

func (s *Source) Client(ctx context.Context) (*Client, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if err := Check(settings); err != nil {
		return nil, err
	}
	model, err := s.newModel(settings)
	if err != nil {
		return nil, err
	}
	return NewClient(model, s.prompts, s.logger), nil
}
