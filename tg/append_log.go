// append_log.go buffers newly collected entities as line-delimited JSON
// and flushes them to the run's log object once a byte threshold is
// crossed or collection ends.
//
// Durability model: each flush rewrites the full accumulated log via
// PutIfMatch against the version of the previous flush. One writer owns
// one log key per run, so a version mismatch means outside interference
// and is surfaced after the retry budget, not papered over. A failed
// flush that exhausts its retries is fatal for the owning pipeline —
// anything else would silently drop collected records.

package tg

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

const (
	defaultFlushThreshold = 1 << 20
	defaultFlushAttempts  = 3
	defaultFlushBaseDelay = 2 * time.Second
)

// AppendLogWriter streams one pipeline's collected entities to one log
// object. Not safe for concurrent use; each pipeline owns its writer.
type AppendLogWriter struct {
	Store     BlobStore
	Key       string
	Threshold int

	MaxAttempts int
	BaseDelay   time.Duration
	Observer    RetryObserver

	buf      bytes.Buffer
	content  []byte
	version  string
	records  int
	flushes  int
	finished bool
}

// NewAppendLogWriter creates a writer for one log key with production
// defaults for threshold and flush retries.
func NewAppendLogWriter(store BlobStore, key string, threshold int) *AppendLogWriter {
	if threshold <= 0 {
		threshold = defaultFlushThreshold
	}
	return &AppendLogWriter{
		Store:       store,
		Key:         key,
		Threshold:   threshold,
		MaxAttempts: defaultFlushAttempts,
		BaseDelay:   defaultFlushBaseDelay,
	}
}

// Append serializes one entity onto the in-memory buffer. It does not
// touch the sink; call FlushIfThreshold afterwards.
func (w *AppendLogWriter) Append(e *Entity) error {
	if w.finished {
		return fmt.Errorf("append log %s: writer already finalized", w.Key)
	}
	line, err := e.AppendLogLine()
	if err != nil {
		return fmt.Errorf("append log %s: %w", w.Key, err)
	}
	w.buf.Write(line)
	w.buf.WriteByte('\n')
	w.records++
	return nil
}

// FlushIfThreshold durably appends the buffer to the sink when the
// buffered size has crossed the writer's threshold.
func (w *AppendLogWriter) FlushIfThreshold(ctx context.Context) error {
	if w.buf.Len() < w.Threshold {
		return nil
	}
	return w.flush(ctx)
}

// Finalize flushes any buffered remainder and closes the writer. A log
// object is written even for an empty collection so the run records that
// the pipeline observed zero entities.
func (w *AppendLogWriter) Finalize(ctx context.Context) error {
	if w.finished {
		return nil
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	w.finished = true
	return nil
}

func (w *AppendLogWriter) flush(ctx context.Context) error {
	if w.buf.Len() == 0 && w.flushes > 0 {
		return nil
	}

	// The buffer joins the durable content only after a successful put;
	// a failed flush leaves both intact so the next attempt (e.g. the
	// controller preserving a partial log) writes each record once.
	body := make([]byte, 0, len(w.content)+w.buf.Len())
	body = append(body, w.content...)
	body = append(body, w.buf.Bytes()...)

	err := runWithBackoff(ctx, "flush append log "+w.Key, w.MaxAttempts, w.BaseDelay, w.Observer, func() error {
		info, err := w.Store.PutIfMatch(ctx, w.Key, body, w.version)
		if err != nil {
			return err
		}
		w.version = info.Version
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush append log %s: %w", w.Key, err)
	}

	w.content = body
	w.buf.Reset()
	w.flushes++
	return nil
}

// Records returns the number of entities appended so far.
func (w *AppendLogWriter) Records() int {
	return w.records
}

// BytesWritten returns the durably flushed log size in bytes.
func (w *AppendLogWriter) BytesWritten() int {
	return len(w.content)
}
