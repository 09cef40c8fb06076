// Package adapter defines the notification boundary for finished threads.
//
// Adapters publish one ThreadCompletedEvent per thread execution to a
// downstream system. The runtime owns adapter lifecycle; users provide
// configuration only.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/tributary/types"
)

// EventTypeThreadCompleted is the event_type of every published event.
const EventTypeThreadCompleted = "thread_completed"

// ThreadCompletedEvent is the payload published when a thread execution
// finishes, whatever its outcome.
type ThreadCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "thread_completed"
	ThreadID        string `json:"thread_id"`
	Turn            int    `json:"turn"`
	Outcome         string `json:"outcome"` // completed, engine_error, ...
	Message         string `json:"message,omitempty"`
	StoragePath     string `json:"storage_path,omitempty"`
	Timestamp       string `json:"timestamp"` // RFC 3339
	EventCount      int64  `json:"event_count"`
	DurationMs      int64  `json:"duration_ms"`
}

// NewThreadCompletedEvent builds the event for one finished execution.
func NewThreadCompletedEvent(meta types.ThreadMeta, outcome types.ThreadOutcome, storagePath string, eventCount int64, duration time.Duration, at time.Time) *ThreadCompletedEvent {
	return &ThreadCompletedEvent{
		ContractVersion: types.ContractVersion,
		EventType:       EventTypeThreadCompleted,
		ThreadID:        meta.ThreadID,
		Turn:            meta.Turn,
		Outcome:         string(outcome.Status),
		Message:         outcome.Message,
		StoragePath:     storagePath,
		Timestamp:       types.FormatTimestamp(at),
		EventCount:      eventCount,
		DurationMs:      duration.Milliseconds(),
	}
}

// Adapter publishes thread completion events to a downstream system.
type Adapter interface {
	// Publish sends a thread completion event downstream.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *ThreadCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// BaseBackoff is the delay before the first retry. Each later retry
// doubles it.
var BaseBackoff = 500 * time.Millisecond

// ErrPermanent marks a failure that retrying cannot fix. Wrap it (or
// return an error whose chain contains it) to stop Retry early.
var ErrPermanent = errors.New("non-retriable")

// Retry calls fn once plus up to retries more times with exponential
// backoff between attempts. It stops early on success, on context
// cancellation, and on errors wrapping ErrPermanent.
func Retry(ctx context.Context, retries int, fn func(ctx context.Context) error) error {
	attempts := 1 + retries
	var lastErr error

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}

		if i > 0 {
			backoff := BaseBackoff << uint(i-1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
