package llm

import (
	"fmt"

	"github.com/fentz26/waypoint/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const defaultOllamaURL = "http://localhost:11434"

// NewModel creates the langchaingo model selected by cfg.
func NewModel(cfg config.LLMConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "openai":
		apiKey := cfg.ResolvedAPIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("openai: api key not configured (set llm.api_key or OPENAI_API_KEY)")
		}
		opts := []openai.Option{openai.WithToken(apiKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		return m, nil

	case "anthropic":
		apiKey := cfg.ResolvedAPIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic: api key not configured (set llm.api_key or ANTHROPIC_API_KEY)")
		}
		opts := []anthropic.Option{anthropic.WithToken(apiKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		m, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic client: %w", err)
		}
		return m, nil

	case "ollama":
		serverURL := cfg.BaseURL
		if serverURL == "" {
			serverURL = defaultOllamaURL
		}
		opts := []ollama.Option{ollama.WithServerURL(serverURL)}
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		m, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}
