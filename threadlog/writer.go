// Package threadlog reads and writes durable thread logs.
//
// A thread log is append-only JSONL: an optional thread-blueprint header
// line followed by condensed events, one per line, in the order they were
// persisted. Replay order is file order.
package threadlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/types"
)

// ErrBlueprintPosition is returned when a blueprint would not be the first
// line of the log.
var ErrBlueprintPosition = errors.New("blueprint must be the first line of a thread log")

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("thread log writer closed")

// Writer appends events to a JSONL thread log.
// Safe for concurrent use; each batch is flushed and synced before
// WriteEvents returns.
type Writer struct {
	path string

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	empty  bool
	closed bool

	now func() time.Time
}

// Create opens path for appending, creating it and its directory if needed.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create thread log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open thread log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat thread log: %w", err)
	}

	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	return &Writer{
		path:  path,
		file:  f,
		buf:   buf,
		enc:   enc,
		empty: info.Size() == 0,
		now:   time.Now,
	}, nil
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// WriteBlueprint writes the thread-blueprint header. It is refused once
// the log has any content.
func (w *Writer) WriteBlueprint(fields map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if !w.empty {
		return ErrBlueprintPosition
	}
	bp := types.NewEvent(types.EventTypeBlueprint, fields)
	return w.writeLocked([]types.Event{bp})
}

// WriteEvents appends events in order. A timestamp is added to events that
// do not carry one.
func (w *Writer) WriteEvents(_ context.Context, events []types.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}
	return w.writeLocked(events)
}

func (w *Writer) writeLocked(events []types.Event) error {
	ts := types.FormatTimestamp(w.now())
	for i, ev := range events {
		if ev.Type == "" {
			return fmt.Errorf("event %d: %w", i, types.ErrMissingType)
		}
		if !ev.Has(types.FieldTimestamp) {
			ev = ev.With(types.FieldTimestamp, ts)
		}
		if err := w.enc.Encode(ev.Flatten()); err != nil {
			return fmt.Errorf("encode event %d: %w", i, err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush thread log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync thread log: %w", err)
	}
	w.empty = false
	return nil
}

// Close flushes and closes the file. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return multierr.Combine(w.buf.Flush(), w.file.Close())
}

var _ policy.Sink = (*Writer)(nil)
