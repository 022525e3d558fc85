package reqlog

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// DeriveIdentifier extracts a human-friendly label for the audit row: who or
// what the request was about. Requests without one stay NULL, which is what
// marks identifier-less filtered GETs of /Users as keepalive probes.
func DeriveIdentifier(rec Record) string {
	switch {
	case strings.Contains(rec.URL, "/Groups"):
		return deriveGroupIdentifier(rec)
	case strings.Contains(rec.URL, "/Users"):
		return deriveUserIdentifier(rec)
	}
	return ""
}

func deriveUserIdentifier(rec Record) string {
	for _, body := range []string{rec.ResponseBody, rec.RequestBody} {
		doc := parseBody(body)
		if doc == nil {
			continue
		}
		if v := userLabel(doc); v != "" {
			return v
		}
	}
	return terminalUUID(rec.URL)
}

func deriveGroupIdentifier(rec Record) string {
	for _, body := range []string{rec.ResponseBody, rec.RequestBody} {
		doc := parseBody(body)
		if doc == nil {
			continue
		}
		if v, ok := doc["displayName"].(string); ok && v != "" {
			return v
		}
	}
	return terminalUUID(rec.URL)
}

// userLabel prefers userName, then the primary email, then any email, then
// externalId.
func userLabel(doc map[string]any) string {
	if v, ok := doc["userName"].(string); ok && v != "" {
		return v
	}
	if emails, ok := doc["emails"].([]any); ok {
		var first string
		for _, elem := range emails {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			value, _ := m["value"].(string)
			if value == "" {
				continue
			}
			if first == "" {
				first = value
			}
			if primary, _ := m["primary"].(bool); primary {
				return value
			}
		}
		if first != "" {
			return first
		}
	}
	if v, ok := doc["externalId"].(string); ok && v != "" {
		return v
	}
	return ""
}

func parseBody(body string) map[string]any {
	body = strings.TrimSpace(body)
	if body == "" || !strings.HasPrefix(body, "{") {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil
	}
	return doc
}

// terminalUUID returns the last path segment when it is a resource id.
func terminalUUID(rawURL string) string {
	path := rawURL
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	seg := path[strings.LastIndexByte(path, '/')+1:]
	if _, err := uuid.Parse(seg); err != nil {
		return ""
	}
	return seg
}
