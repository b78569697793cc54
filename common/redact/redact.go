// Package redact strips sensitive values from text and structured data
// before it reaches logs, the audit table or a chat room.
//
// Configured credentials (AWX token and password, LLM API key, Matrix access
// token, repository tokens) are registered once at startup with Register;
// String then scrubs them from any message in addition to the values passed
// explicitly.  Redaction is best-effort and never a substitute for keeping
// secrets away from log call-sites.
package redact

import (
	"regexp"
	"strings"
	"sync"
)

const placeholder = "[REDACTED]"

var (
	mu         sync.RWMutex
	registered []string

	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]{8,}`)
)

// Register adds process-wide secrets that String always removes.  Values
// shorter than 4 characters are ignored.
func Register(values ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, v := range values {
		if len(v) >= 4 {
			registered = append(registered, v)
		}
	}
}

// Reset forgets every registered secret.
func Reset() {
	mu.Lock()
	registered = nil
	mu.Unlock()
}

// String replaces each registered secret, each value in sensitiveValues and
// any bearer credential in s with [REDACTED].
//
//	safe := redact.String(errMsg, awxPassword)
func String(s string, sensitiveValues ...string) string {
	mu.RLock()
	all := append(append([]string(nil), registered...), sensitiveValues...)
	mu.RUnlock()

	for _, v := range all {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return bearerPattern.ReplaceAllString(s, "${1}"+placeholder)
}

// Map returns a shallow copy of m with string values replaced by
// [REDACTED] for keys that look like they hold a secret.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && str != "" && isSensitiveKey(k) {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// Params is Map for action parameters.
func Params(p map[string]string) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return Map(out)
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
