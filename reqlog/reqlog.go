// Package reqlog buffers per-request audit records and writes them to the
// store in batches, keeping request handling off the write path.
package reqlog

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/store"
)

const (
	// DefaultFlushInterval bounds how stale a buffered record can get.
	DefaultFlushInterval = 3 * time.Second
	// DefaultBatchSize triggers an early flush when the buffer fills.
	DefaultBatchSize = 50

	queueCapacity = 1024
	flushTimeout  = 15 * time.Second
)

// Record is one handled HTTP request, captured by the middleware.
type Record struct {
	Method          string
	URL             string
	Status          int
	Duration        time.Duration
	RequestHeaders  string
	RequestBody     string
	ResponseHeaders string
	ResponseBody    string
	ErrorMessage    string
	ErrorStack      string
}

// Options tune the buffer. Zero values take the defaults.
type Options struct {
	FlushInterval time.Duration
	BatchSize     int
}

// Buffer accepts records without blocking and drains them to the store on
// a timer or when the batch size is reached. Records are dropped, not
// queued unboundedly, when the writer cannot keep up.
type Buffer struct {
	store *store.Store
	log   *logging.Logger

	interval time.Duration
	batch    int

	ch   chan Record
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// New starts the background writer.
func New(st *store.Store, log *logging.Logger, opts Options) *Buffer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	b := &Buffer{
		store:    st,
		log:      log,
		interval: opts.FlushInterval,
		batch:    opts.BatchSize,
		ch:       make(chan Record, queueCapacity),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Add enqueues one record. Never blocks; on overflow the record is dropped
// and counted.
func (b *Buffer) Add(rec Record) {
	select {
	case b.ch <- rec:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Dropped reports how many records were lost to queue overflow.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close flushes everything still buffered and stops the writer. Call during
// shutdown after the HTTP server has stopped accepting requests.
func (b *Buffer) Close() {
	close(b.done)
	b.wg.Wait()
}

func (b *Buffer) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	pending := make([]Record, 0, b.batch)
	for {
		select {
		case rec := <-b.ch:
			pending = append(pending, rec)
			if len(pending) >= b.batch {
				b.flush(pending)
				pending = pending[:0]
				// A size-triggered flush restarts the cadence so the
				// timer does not fire again right behind it.
				ticker.Reset(b.interval)
			}
		case <-ticker.C:
			if len(pending) > 0 {
				b.flush(pending)
				pending = pending[:0]
			}
		case <-b.done:
			for {
				select {
				case rec := <-b.ch:
					pending = append(pending, rec)
					continue
				default:
				}
				break
			}
			if len(pending) > 0 {
				b.flush(pending)
			}
			return
		}
	}
}

// flush writes one batch and backfills derived identifiers on the rows that
// have one. The backfill is best effort; the audit row itself must land.
func (b *Buffer) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	rows := make([]store.RequestLog, len(batch))
	for i, rec := range batch {
		rows[i] = store.RequestLog{
			Method:          rec.Method,
			URL:             rec.URL,
			Status:          rec.Status,
			DurationMs:      rec.Duration.Milliseconds(),
			RequestHeaders:  rec.RequestHeaders,
			RequestBody:     rec.RequestBody,
			ResponseHeaders: rec.ResponseHeaders,
			ResponseBody:    rec.ResponseBody,
			ErrorMessage:    nullable(rec.ErrorMessage),
			ErrorStack:      nullable(rec.ErrorStack),
		}
	}
	ids, err := b.store.AppendRequestLogs(ctx, rows)
	if err != nil {
		b.log.Error(ctx, logging.CategoryDatabase, "request log flush failed", err, map[string]any{
			"batch": len(batch),
		})
		return
	}
	for i, id := range ids {
		ident := DeriveIdentifier(batch[i])
		if ident == "" {
			continue
		}
		if err := b.store.SetRequestLogIdentifier(ctx, id, ident); err != nil {
			b.log.Warn(ctx, logging.CategoryDatabase, "request log identifier backfill failed", map[string]any{
				"id": id,
			})
		}
	}
}

func nullable(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
