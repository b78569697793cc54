package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// postJSON sends in as a JSON body and decodes the reply into out.  Any
// status in throttled (429 is always included) maps to ErrRateLimit.  The
// body is decoded regardless of status so API error objects reach the
// caller.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, in, out any, throttled ...int) (int, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("nlp: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("nlp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("nlp: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, ErrRateLimit
	}
	for _, code := range throttled {
		if resp.StatusCode == code {
			return resp.StatusCode, ErrRateLimit
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("nlp: read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("nlp: decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

// apiError is the error object OpenAI and Anthropic both return.
type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *apiError) err() error {
	if e == nil {
		return nil
	}
	return fmt.Errorf("nlp: API error (%s): %s", e.Type, e.Message)
}
