package nlp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

type geminiProvider struct {
	client *genai.Client
	model  string
}

// NewGemini returns a Provider backed by the Gemini API.
func NewGemini(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("nlp: gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	if cfg.Timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("nlp: create gemini client: %w", err)
	}
	return &geminiProvider{client: client, model: cfg.Model}, nil
}

func (p *geminiProvider) Classify(ctx context.Context, req ClassifyRequest) (*Intent, error) {
	contents := []*genai.Content{genai.NewContentFromText(req.Message, genai.RoleUser)}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(req), genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
		MaxOutputTokens:   maxOutputTokens,
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
			return nil, ErrRateLimit
		}
		return nil, fmt.Errorf("nlp: gemini generate: %w", err)
	}
	return ParseIntent(resp.Text())
}
