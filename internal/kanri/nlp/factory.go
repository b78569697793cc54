package nlp

import (
	"context"
	"fmt"
	"strings"
)

const defaultUnityBase = "https://api.unity.ai/v1"

// NewProvider builds the Provider named by cfg.Provider.  An empty name
// selects "keyword" when no API key is set and "openai" otherwise.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "keyword"
		if cfg.APIKey != "" {
			name = "openai"
		}
	}

	switch name {
	case "keyword", "mock":
		return NewKeyword(), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("nlp: %s provider requires an API key", name)
		}
		return NewOpenAI(cfg), nil
	case "unity":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("nlp: %s provider requires an API key", name)
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultUnityBase
		}
		return NewOpenAI(cfg), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("nlp: %s provider requires an API key", name)
		}
		return NewAnthropic(cfg), nil
	case "gemini":
		return NewGemini(ctx, cfg)
	}
	return nil, fmt.Errorf("nlp: unknown provider %q", cfg.Provider)
}
