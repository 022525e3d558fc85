package logging

import (
	"strings"
	"sync"
)

// DefaultRingSize is how many recent entries the buffer retains.
const DefaultRingSize = 500

// ringBuffer is a bounded FIFO of recent entries. Oldest entries are
// discarded on overflow. Callers hold no reference into the internal slice;
// Snapshot and Query copy.
type ringBuffer struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	count   int
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &ringBuffer{entries: make([]Entry, size)}
}

func (r *ringBuffer) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % len(r.entries)
	r.entries[idx] = e
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.entries)
	}
}

// Snapshot returns the retained entries oldest first.
func (r *ringBuffer) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.count)
	for i := range r.count {
		out = append(out, r.entries[(r.start+i)%len(r.entries)])
	}
	return out
}

func (r *ringBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start, r.count = 0, 0
}

// EntryQuery filters ring-buffer contents. Zero values mean "any".
type EntryQuery struct {
	// MinLevel drops entries below the given severity.
	MinLevel   *Level
	Category   string
	RequestID  string
	EndpointID string
	// Limit keeps only the newest N matches; 0 means all.
	Limit int
}

// Query returns matching entries oldest first, bounded by Limit from the
// newest end.
func (r *ringBuffer) Query(q EntryQuery) []Entry {
	all := r.Snapshot()
	matched := make([]Entry, 0, len(all))
	for _, e := range all {
		if q.MinLevel != nil {
			lvl, err := ParseLevel(e.Level)
			if err != nil || lvl < *q.MinLevel {
				continue
			}
		}
		if q.Category != "" && !strings.EqualFold(e.Category, q.Category) {
			continue
		}
		if q.RequestID != "" && e.RequestID != q.RequestID {
			continue
		}
		if q.EndpointID != "" && e.EndpointID != q.EndpointID {
			continue
		}
		matched = append(matched, e)
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched
}
