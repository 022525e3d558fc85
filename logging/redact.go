package logging

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Redacted replaces values whose key looks secret-bearing.
const Redacted = "[REDACTED]"

// DefaultMaxPayloadBytes bounds any single logged string or serialized
// sub-object.
const DefaultMaxPayloadBytes = 8 * 1024

var sensitiveKey = regexp.MustCompile(`(?i)secret|password|token|authorization|bearer|jwt`)

// sanitizeData redacts sensitive keys and truncates oversized values,
// recursing through nested objects and arrays. The input is not modified.
func sanitizeData(data map[string]any, maxBytes int) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if sensitiveKey.MatchString(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v, maxBytes)
	}
	return out
}

func sanitizeValue(v any, maxBytes int) any {
	switch val := v.(type) {
	case string:
		return truncate(val, maxBytes)
	case map[string]any:
		sanitized := sanitizeData(val, maxBytes)
		// An oversized sub-object collapses to its truncated serialization.
		if serialized, err := json.Marshal(sanitized); err == nil && len(serialized) > maxBytes {
			return truncate(string(serialized), maxBytes)
		}
		return sanitized
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = sanitizeValue(e, maxBytes)
		}
		return out
	default:
		return val
	}
}

// SanitizeJSON redacts sensitive keys inside a serialized JSON value and
// truncates oversized strings. Input that does not parse as JSON is
// truncated verbatim.
func SanitizeJSON(raw string, maxBytes int) string {
	if raw == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return truncate(raw, maxBytes)
	}
	out, err := json.Marshal(sanitizeValue(v, maxBytes))
	if err != nil {
		return truncate(raw, maxBytes)
	}
	return string(out)
}

// truncate bounds s at maxBytes, recording how much was dropped.
func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + fmt.Sprintf("…[truncated %d B]", len(s)-maxBytes)
}
