// Package policy decides when condensed events reach durable storage.
//
// A Policy sits between the condenser and a Sink. The strict policy writes
// each event as it arrives, the streaming policy batches writes by count
// and interval, and the buffered policy writes a whole turn at once. None
// of them drops events: the condenser has already removed everything that
// is not meant to be persisted.
package policy

import (
	"context"
	"maps"

	"github.com/pithecene-io/tributary/types"
)

// Policy defines the persistence policy interface.
// Policy failure terminates the thread run.
type Policy interface {
	// IngestEvent handles one condensed event.
	// Returns error on failure; the caller terminates the run.
	IngestEvent(ctx context.Context, ev types.Event) error

	// Flush writes any buffered events.
	// Called when the execution stream terminates.
	Flush(ctx context.Context) error

	// Close releases policy resources and closes the sink.
	Close() error

	// Stats returns an atomic snapshot of policy metrics.
	Stats() Stats
}

// Stats represents policy observability metrics.
type Stats struct {
	// TotalEvents is the total number of events received.
	TotalEvents int64
	// EventsPersisted is the number of events written to the sink.
	EventsPersisted int64
	// EventsDropped is the number of events discarded without a write.
	// Only the noop policy discards.
	EventsDropped int64
	// DroppedByType maps event types to drop counts.
	DroppedByType map[types.EventType]int64
	// BufferSize is the current buffer size in bytes (if buffered).
	BufferSize int64
	// FlushCount is the number of flush operations.
	FlushCount int64
	// Errors is the count of sink failures.
	Errors int64
}

// copyStats returns s with an independent DroppedByType map.
func copyStats(s Stats) Stats {
	s.DroppedByType = maps.Clone(s.DroppedByType)
	if s.DroppedByType == nil {
		s.DroppedByType = make(map[types.EventType]int64)
	}
	return s
}

// statsRecorder holds counters for a buffering policy.
//
// Lock discipline: it has no lock of its own. The buffering policies call
// the Locked methods only while holding their own mu, so buffer state and
// counters stay consistent.
type statsRecorder struct {
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		stats: Stats{DroppedByType: make(map[types.EventType]int64)},
	}
}

// --- Locked methods ---
// Caller must hold the owning policy's mu.

func (r *statsRecorder) incTotalEventsLocked() {
	r.stats.TotalEvents++
}

func (r *statsRecorder) incEventsPersistedLocked(n int64) {
	r.stats.EventsPersisted += n
}

func (r *statsRecorder) incErrorsLocked() {
	r.stats.Errors++
}

func (r *statsRecorder) incFlushLocked() {
	r.stats.FlushCount++
}

func (r *statsRecorder) setBufferSizeLocked(bytes int64) {
	r.stats.BufferSize = bytes
}

// snapshotLocked returns an atomic snapshot of stats with the given bufferSize.
func (r *statsRecorder) snapshotLocked(bufferSize int64) Stats {
	s := copyStats(r.stats)
	s.BufferSize = bufferSize
	return s
}
