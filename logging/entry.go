package logging

import "time"

// ErrorInfo carries structured error details on an entry. Stack is only
// populated when stack capture is enabled.
type ErrorInfo struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Entry is one structured log event. Entries are immutable once emitted;
// the ring buffer and subscribers share them.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Category   string         `json:"category"`
	Message    string         `json:"message"`
	RequestID  string         `json:"requestId,omitempty"`
	EndpointID string         `json:"endpointId,omitempty"`
	Method     string         `json:"method,omitempty"`
	Path       string         `json:"path,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
