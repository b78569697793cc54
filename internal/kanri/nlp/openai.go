package nlp

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultOpenAIBase  = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
	defaultTimeout     = 60 * time.Second
	maxOutputTokens    = 1024
)

// Config configures an LLM-backed provider.
type Config struct {
	// Provider selects the backend: "openai", "unity", "anthropic",
	// "gemini" or "keyword".
	Provider string

	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a local OpenAI-compatible
	// server.
	BaseURL string

	Model string

	// Timeout bounds each HTTP round trip.  Defaults to 60 s.
	Timeout time.Duration
}

// openAIProvider talks to any OpenAI-compatible chat completions endpoint.
type openAIProvider struct {
	cfg    Config
	client *http.Client
}

// NewOpenAI returns a Provider for the OpenAI chat completions API or a
// compatible gateway.
func NewOpenAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAIProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	Temperature    float64      `json:"temperature"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	ResponseFormat *oaiFormat   `json:"response_format,omitempty"`
}

type oaiFormat struct {
	Type string `json:"type"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

func (p *openAIProvider) Classify(ctx context.Context, req ClassifyRequest) (*Intent, error) {
	var out oaiResponse
	status, err := postJSON(ctx, p.client, p.cfg.BaseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.cfg.APIKey},
		oaiRequest{
			Model: p.cfg.Model,
			Messages: []oaiMessage{
				{Role: "system", Content: systemPrompt(req)},
				{Role: "user", Content: req.Message},
			},
			MaxTokens:      maxOutputTokens,
			ResponseFormat: &oaiFormat{Type: "json_object"},
		}, &out)
	if err != nil {
		return nil, err
	}
	if err := out.Error.err(); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("nlp: no choices returned (HTTP %d)", status)
	}
	return ParseIntent(out.Choices[0].Message.Content)
}
