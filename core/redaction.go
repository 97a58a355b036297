package core

import "strings"

const RedactedValue = "[REDACTED]"

var sensitiveKeyTokens = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"signature",
	"credential",
	"api_key",
}

// RedactSensitiveMap masks values under credential-like keys, recursing
// into nested maps and slices. Identifier keys are always kept.
func RedactSensitiveMap(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	return redactMap(fields)
}

func redactMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactValue(value)
	}
	return target
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactMap(typed)
	case map[string]string:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = item
		}
		return redactMap(out)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isIdentifierKey(key) {
		return false
	}
	key = strings.ReplaceAll(key, "-", "_")
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isIdentifierKey(key string) bool {
	switch key {
	case "transfer_id",
		"execution_id",
		"execution_sid",
		"call_sid",
		"run_id",
		"event_id",
		"claim_id",
		"request_id",
		"token_provided",
		"api_token_configured":
		return true
	default:
		return false
	}
}
