package nlp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// maxVocabulary bounds how many roles and domains are listed in the prompt.
const maxVocabulary = 60

// systemPromptTmpl takes the action catalogue, the known roles and the known
// domains.
const systemPromptTmpl = `You route infrastructure requests to exactly one action.

You NEVER execute anything; you only propose an action and its parameters.

Available actions:
%s
Known roles: %s
Known domains: %s

RULES:
1. Respond ONLY with one JSON object. No markdown, no code fences, no prose.
2. "action" must be one of the action names listed above. Never invent one.
3. Only use role and domain values that appear in the known lists. Use the
   exact spelling; never shorten or extend a name.
4. Omit parameters the user did not ask for.
5. Never confirm or approve anything yourself; confirmation is handled elsewhere.
6. If you cannot tell what the user wants, answer with
   {"mcp_name": "unknown", "action": "help", "parameters": {}, "confidence": 0.0,
    "explanation": "<what was unclear>"}.

Response format:
{
  "mcp_name":    "<handler name shown next to the action>",
  "action":      "<action name>",
  "parameters":  {"<name>": "<value>"},
  "confidence":  0.0-1.0,
  "explanation": "<one sentence>"
}
`

func systemPrompt(req ClassifyRequest) string {
	return fmt.Sprintf(systemPromptTmpl, req.Catalogue, joinVocabulary(req.Roles), joinVocabulary(req.Domains))
}

func joinVocabulary(names []string) string {
	if len(names) == 0 {
		return "(none discovered yet)"
	}
	if len(names) > maxVocabulary {
		return strings.Join(names[:maxVocabulary], ", ") + fmt.Sprintf(", ... (%d more)", len(names)-maxVocabulary)
	}
	return strings.Join(names, ", ")
}

// rawIntent accepts parameters of any JSON type; models do not reliably
// quote numbers or booleans.
type rawIntent struct {
	Handler     string          `json:"mcp_name"`
	Action      string          `json:"action"`
	Parameters  map[string]any  `json:"parameters"`
	Confidence  json.RawMessage `json:"confidence"`
	Explanation string          `json:"explanation"`
}

// ParseIntent decodes model output into an Intent.  A surrounding markdown
// code fence is tolerated.
func ParseIntent(content string) (*Intent, error) {
	content = stripFence(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrMalformedOutput)
	}

	var raw rawIntent
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v (raw content: %.200s)", ErrMalformedOutput, err, content)
	}

	in := &Intent{
		Handler:     raw.Handler,
		Action:      strings.TrimSpace(raw.Action),
		Parameters:  make(map[string]string, len(raw.Parameters)),
		Explanation: raw.Explanation,
		Confidence:  parseConfidence(raw.Confidence),
	}
	if in.Handler == "" {
		in.Handler = "unknown"
	}
	for k, v := range raw.Parameters {
		switch tv := v.(type) {
		case nil:
		case string:
			if tv != "" {
				in.Parameters[k] = tv
			}
		case float64:
			in.Parameters[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			in.Parameters[k] = strconv.FormatBool(tv)
		default:
			b, _ := json.Marshal(tv)
			in.Parameters[k] = string(b)
		}
	}
	return in, nil
}

func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return clamp(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return clamp(f)
		}
	}
	return 0
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
