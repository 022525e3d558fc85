package scim

import "time"

// TimeFormat is the ISO-8601 millisecond layout used in meta timestamps.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// BuildMeta assembles the meta complex attribute for a resource. version
// carries the weak ETag derived from lastModified.
func BuildMeta(resourceType, location string, created, lastModified time.Time) map[string]any {
	return map[string]any{
		"resourceType": resourceType,
		"created":      FormatTime(created),
		"lastModified": FormatTime(lastModified),
		"location":     location,
		"version":      WeakETag(lastModified),
	}
}
