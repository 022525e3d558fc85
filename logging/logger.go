// Package logging is the observability core: a leveled, categorized,
// correlated structured logger with a bounded in-memory history and live
// pub/sub fan-out. All configuration can be changed at runtime.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Options configure a Logger. Zero values select the documented defaults.
type Options struct {
	Level           Level
	Format          string
	CategoryLevels  map[string]Level
	EndpointLevels  map[string]Level
	IncludePayloads bool
	IncludeStacks   bool
	MaxPayloadBytes int
	RingSize        int
	// Stdout and Stderr default to the process streams; tests inject
	// buffers here.
	Stdout io.Writer
	Stderr io.Writer
}

// Logger emits structured entries. The effective threshold for an entry is
// resolved per emission: endpoint override, then category override, then
// the global level.
type Logger struct {
	mu              sync.RWMutex
	level           Level
	format          string
	categoryLevels  map[string]Level
	endpointLevels  map[string]Level
	includePayloads bool
	includeStacks   bool
	maxPayloadBytes int

	stdout io.Writer
	stderr io.Writer

	ring   *ringBuffer
	broker *broker
}

// New creates a Logger.
func New(opts Options) *Logger {
	l := &Logger{
		level:           opts.Level,
		format:          opts.Format,
		categoryLevels:  make(map[string]Level),
		endpointLevels:  make(map[string]Level),
		includePayloads: opts.IncludePayloads,
		includeStacks:   opts.IncludeStacks,
		maxPayloadBytes: opts.MaxPayloadBytes,
		stdout:          opts.Stdout,
		stderr:          opts.Stderr,
		ring:            newRingBuffer(opts.RingSize),
		broker:          newBroker(),
	}
	if l.format == "" {
		l.format = "json"
	}
	if l.maxPayloadBytes <= 0 {
		l.maxPayloadBytes = DefaultMaxPayloadBytes
	}
	if l.stdout == nil {
		l.stdout = os.Stdout
	}
	if l.stderr == nil {
		l.stderr = os.Stderr
	}
	for cat, lvl := range opts.CategoryLevels {
		l.categoryLevels[strings.ToLower(cat)] = lvl
	}
	for id, lvl := range opts.EndpointLevels {
		l.endpointLevels[id] = lvl
	}
	return l
}

func (l *Logger) Trace(ctx context.Context, category, message string, data map[string]any) {
	l.emit(ctx, LevelTrace, category, message, nil, data)
}

func (l *Logger) Debug(ctx context.Context, category, message string, data map[string]any) {
	l.emit(ctx, LevelDebug, category, message, nil, data)
}

func (l *Logger) Info(ctx context.Context, category, message string, data map[string]any) {
	l.emit(ctx, LevelInfo, category, message, nil, data)
}

func (l *Logger) Warn(ctx context.Context, category, message string, data map[string]any) {
	l.emit(ctx, LevelWarn, category, message, nil, data)
}

func (l *Logger) Error(ctx context.Context, category, message string, err error, data map[string]any) {
	l.emit(ctx, LevelError, category, message, err, data)
}

func (l *Logger) Fatal(ctx context.Context, category, message string, err error, data map[string]any) {
	l.emit(ctx, LevelFatal, category, message, err, data)
}

// HTTPRequest logs a completed request under the http category with the
// correlation fields filled from the arguments rather than the data map.
func (l *Logger) HTTPRequest(ctx context.Context, level Level, method, path string, durationMs int64, data map[string]any) {
	if !l.enabled(level, CategoryHTTP, EndpointIDFrom(ctx)) {
		return
	}
	e := l.build(ctx, level, CategoryHTTP, fmt.Sprintf("%s %s", method, path), nil, data)
	e.Method = method
	e.Path = path
	e.DurationMs = durationMs
	l.dispatch(e)
}

func (l *Logger) emit(ctx context.Context, level Level, category, message string, err error, data map[string]any) {
	if !l.enabled(level, category, EndpointIDFrom(ctx)) {
		return
	}
	l.dispatch(l.build(ctx, level, category, message, err, data))
}

// enabled resolves the effective threshold for the entry.
func (l *Logger) enabled(level Level, category, endpointID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	threshold := l.level
	if cat, ok := l.categoryLevels[strings.ToLower(category)]; ok {
		threshold = cat
	}
	if endpointID != "" {
		if ep, ok := l.endpointLevels[endpointID]; ok {
			threshold = ep
		}
	}
	return threshold != LevelOff && level >= threshold
}

func (l *Logger) build(ctx context.Context, level Level, category, message string, err error, data map[string]any) Entry {
	l.mu.RLock()
	includeStacks := l.includeStacks
	maxBytes := l.maxPayloadBytes
	l.mu.RUnlock()

	e := Entry{
		Timestamp:  time.Now().UTC(),
		Level:      level.String(),
		Category:   category,
		Message:    message,
		RequestID:  RequestIDFrom(ctx),
		EndpointID: EndpointIDFrom(ctx),
		Data:       sanitizeData(data, maxBytes),
	}
	if err != nil {
		info := &ErrorInfo{
			Message: truncate(err.Error(), maxBytes),
			Name:    fmt.Sprintf("%T", err),
		}
		if includeStacks {
			info.Stack = truncate(string(debug.Stack()), maxBytes)
		}
		e.Error = info
	}
	return e
}

// dispatch writes the entry to the output stream, the ring buffer, and
// every live subscriber, in that order.
func (l *Logger) dispatch(e Entry) {
	l.write(e)
	l.ring.Add(e)
	l.broker.Publish(e)
}

func (l *Logger) write(e Entry) {
	l.mu.RLock()
	format := l.format
	out := l.stdout
	lvl, err := ParseLevel(e.Level)
	if err == nil && lvl >= LevelWarn {
		out = l.stderr
	}
	l.mu.RUnlock()

	if format == "pretty" {
		fmt.Fprintln(out, prettyLine(e))
		return
	}
	line, marshalErr := json.Marshal(e)
	if marshalErr != nil {
		return
	}
	fmt.Fprintln(out, string(line))
}

// prettyLine renders a human-readable single line with the level,
// category, short correlation id, and duration when present.
func prettyLine(e Entry) string {
	var sb strings.Builder
	sb.WriteString(e.Timestamp.Format("15:04:05.000"))
	fmt.Fprintf(&sb, " %-5s [%s]", e.Level, e.Category)
	if e.RequestID != "" {
		id := e.RequestID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(&sb, " (%s)", id)
	}
	sb.WriteString(" " + e.Message)
	if e.DurationMs > 0 {
		fmt.Fprintf(&sb, " %dms", e.DurationMs)
	}
	if e.Error != nil {
		fmt.Fprintf(&sb, " error=%q", e.Error.Message)
	}
	return sb.String()
}

// Subscribe registers a live subscriber for every emitted entry.
func (l *Logger) Subscribe() (<-chan Entry, func()) {
	return l.broker.Subscribe()
}

// SubscriberCount reports the number of live subscribers.
func (l *Logger) SubscriberCount() int {
	return l.broker.Count()
}

// SubscriberDrops reports how many entries were lost to slow subscribers.
func (l *Logger) SubscriberDrops() int64 {
	return l.broker.Dropped()
}

// Recent queries the ring buffer.
func (l *Logger) Recent(q EntryQuery) []Entry {
	return l.ring.Query(q)
}

// ClearRecent empties the ring buffer.
func (l *Logger) ClearRecent() {
	l.ring.Clear()
}

// Config is a snapshot of the runtime-tunable settings.
type Config struct {
	Level           string            `json:"level"`
	Format          string            `json:"format"`
	CategoryLevels  map[string]string `json:"categoryLevels"`
	EndpointLevels  map[string]string `json:"endpointLevels"`
	IncludePayloads bool              `json:"includePayloads"`
	IncludeStacks   bool              `json:"includeStackTraces"`
	MaxPayloadBytes int               `json:"maxPayloadSizeBytes"`
	Subscribers     int               `json:"subscribers"`
}

// Snapshot returns the current configuration.
func (l *Logger) Snapshot() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cats := make(map[string]string, len(l.categoryLevels))
	for k, v := range l.categoryLevels {
		cats[k] = v.String()
	}
	eps := make(map[string]string, len(l.endpointLevels))
	for k, v := range l.endpointLevels {
		eps[k] = v.String()
	}
	return Config{
		Level:           l.level.String(),
		Format:          l.format,
		CategoryLevels:  cats,
		EndpointLevels:  eps,
		IncludePayloads: l.includePayloads,
		IncludeStacks:   l.includeStacks,
		MaxPayloadBytes: l.maxPayloadBytes,
		Subscribers:     l.broker.Count(),
	}
}

// SetLevel changes the global threshold.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetCategoryLevel installs or updates a category override.
func (l *Logger) SetCategoryLevel(category string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.categoryLevels[strings.ToLower(category)] = level
}

// SetEndpointLevel installs or updates a per-endpoint override.
func (l *Logger) SetEndpointLevel(endpointID string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpointLevels[endpointID] = level
}

// RemoveEndpointLevel drops a per-endpoint override.
func (l *Logger) RemoveEndpointLevel(endpointID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.endpointLevels, endpointID)
}

// SetFormat switches between json and pretty output.
func (l *Logger) SetFormat(format string) error {
	switch strings.ToLower(format) {
	case "json", "pretty":
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = strings.ToLower(format)
	return nil
}

// SetIncludePayloads toggles request/response payload capture.
func (l *Logger) SetIncludePayloads(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.includePayloads = on
}

// IncludePayloads reports whether payload capture is on.
func (l *Logger) IncludePayloads() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.includePayloads
}

// SetIncludeStacks toggles stack capture on error entries.
func (l *Logger) SetIncludeStacks(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.includeStacks = on
}

// SetMaxPayloadBytes changes the truncation budget.
func (l *Logger) SetMaxPayloadBytes(n int) {
	if n <= 0 {
		n = DefaultMaxPayloadBytes
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxPayloadBytes = n
}

// MaxPayloadBytes reports the current truncation budget.
func (l *Logger) MaxPayloadBytes() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxPayloadBytes
}
