// Package nlp maps free-form text onto one of the advertised actions.
//
// Providers only propose an action and parameters; they never execute
// anything.  The dispatcher validates the proposal against the registry and
// routes confirmation-gated actions through the confirmation manager.
package nlp

import (
	"context"
	"errors"
	"fmt"
)

// ErrRateLimit is returned when the upstream LLM API reports throttling
// (HTTP 429).
var ErrRateLimit = errors.New("nlp: rate limit exceeded")

// ErrSenderLimit is the local per-sender variant of ErrRateLimit.
var ErrSenderLimit = fmt.Errorf("%w: per-sender quota", ErrRateLimit)

// ErrMalformedOutput is returned when the model answered but its output
// cannot be read as an Intent.
var ErrMalformedOutput = errors.New("nlp: malformed response from LLM")

// ClassifyRequest is the input to one classification call.  The caller
// fills in the catalogue and vocabulary on every request.
type ClassifyRequest struct {
	// Message is the raw user text.
	Message string

	// Catalogue is the rendered action advertisement.
	Catalogue string

	// Roles and Domains are the currently known vocabulary, most common first.
	Roles   []string
	Domains []string

	// SenderID is kept for logging; prompts never include it.
	SenderID string
}

// Intent is the structured proposal returned by a Provider.
type Intent struct {
	Handler     string            `json:"mcp_name"`
	Action      string            `json:"action"`
	Parameters  map[string]string `json:"parameters"`
	Confidence  float64           `json:"confidence"`
	Explanation string            `json:"explanation"`
}

// Unknown is the intent returned when nothing matched.
func Unknown(explanation string) *Intent {
	return &Intent{
		Handler:     "unknown",
		Action:      "help",
		Parameters:  map[string]string{},
		Explanation: explanation,
	}
}

// Provider classifies a message into an Intent.  Implementations must be
// safe for concurrent use.
type Provider interface {
	Classify(ctx context.Context, req ClassifyRequest) (*Intent, error)
}

// User-facing replies for the classification failure modes.
const (
	RateLimitMessage       = "⏳ Too many requests from you right now. Please try again in a moment, or use `!kanri <action>` directly."
	APIRateLimitMessage    = "⏳ The language model is temporarily rate-limited. You can still use `!kanri help` to see every action."
	MalformedOutputMessage = "I didn't quite understand that. Try rephrasing, or use `!kanri help` for the available actions."
	UnavailableMessage     = "I could not understand that request right now. Use `!kanri help` to see the available actions."
)
