package nlp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBase    = "https://api.anthropic.com/v1"
	defaultAnthropicModel   = "claude-3-5-sonnet-latest"
	anthropicVersion        = "2023-06-01"
	anthropicOverloadedCode = 529
)

type anthropicProvider struct {
	cfg    Config
	client *http.Client
}

// NewAnthropic returns a Provider for the Anthropic Messages API.
func NewAnthropic(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &anthropicProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *apiError `json:"error,omitempty"`
}

func (p *anthropicProvider) Classify(ctx context.Context, req ClassifyRequest) (*Intent, error) {
	var out anthropicResponse
	status, err := postJSON(ctx, p.client, p.cfg.BaseURL+"/messages",
		map[string]string{"x-api-key": p.cfg.APIKey, "anthropic-version": anthropicVersion},
		anthropicRequest{
			Model:     p.cfg.Model,
			System:    systemPrompt(req),
			Messages:  []anthropicMessage{{Role: "user", Content: req.Message}},
			MaxTokens: maxOutputTokens,
		}, &out, anthropicOverloadedCode)
	if err != nil {
		return nil, err
	}
	if err := out.Error.err(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("nlp: no content returned (HTTP %d)", status)
	}
	return ParseIntent(sb.String())
}
