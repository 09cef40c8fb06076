package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/types"
)

// BufferedConfig configures a BufferedPolicy.
type BufferedConfig struct {
	// MaxBufferEvents is the maximum number of events held for one turn.
	// Zero means no count limit.
	MaxBufferEvents int

	// MaxBufferBytes is the estimated size limit of the held events.
	// Zero means no size limit. At least one limit must be set.
	MaxBufferBytes int64

	// Logger is an optional logger for policy observability.
	Logger *log.Logger
}

// DefaultBufferedConfig returns the limits used when none are configured.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{
		MaxBufferEvents: 1000,
		MaxBufferBytes:  10 * 1024 * 1024,
	}
}

// ErrBufferFull is returned when a turn outgrows the buffer limits.
var ErrBufferFull = errors.New("buffer full")

// ErrBufferedInvalidConfig is returned when BufferedConfig is invalid.
var ErrBufferedInvalidConfig = errors.New("invalid buffered config: at least one of MaxBufferEvents or MaxBufferBytes must be set")

// BufferedPolicy holds a whole turn in memory and persists it with a
// single sink write when the turn terminates.
//
//   - One WriteEvents call per turn: a lode segment or a sqlite
//     transaction never holds part of a turn
//   - Nothing reaches the sink before Flush, so a reader of the store
//     never sees a tool call without its output from a turn in progress
//   - No drops: a turn that outgrows the limits fails with ErrBufferFull
//     instead of being split or truncated
//   - A failed flush keeps the batch for the next Flush or Close
type BufferedPolicy struct {
	sink   Sink
	config BufferedConfig
	logger *log.Logger

	mu          sync.Mutex
	buffer      []types.Event
	bufferBytes int64
	stats       *statsRecorder
}

// NewBufferedPolicy creates a buffered policy.
// Returns error if config is invalid.
func NewBufferedPolicy(sink Sink, config BufferedConfig) (*BufferedPolicy, error) {
	if config.MaxBufferEvents <= 0 && config.MaxBufferBytes <= 0 {
		return nil, ErrBufferedInvalidConfig
	}
	return &BufferedPolicy{
		sink:   sink,
		config: config,
		logger: config.Logger,
		buffer: make([]types.Event, 0, min(max(config.MaxBufferEvents, 64), 1024)),
		stats:  newStatsRecorder(),
	}, nil
}

// IngestEvent holds the event until Flush.
func (p *BufferedPolicy) IngestEvent(_ context.Context, ev types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.incTotalEventsLocked()
	size := estimateEventSize(ev)

	if over := p.overLimitLocked(size); over != "" {
		p.stats.incErrorsLocked()
		p.logger.Error("buffer overflow", map[string]any{
			"event_type": string(ev.Type),
			"limit":      over,
			"buffered":   len(p.buffer),
			"policy":     "buffered",
		})
		return fmt.Errorf("%w: %s limit reached with %d events held", ErrBufferFull, over, len(p.buffer))
	}

	p.buffer = append(p.buffer, ev)
	p.bufferBytes += size
	p.stats.setBufferSizeLocked(p.bufferBytes)
	return nil
}

// overLimitLocked names the limit an event of size would exceed, or
// returns "". Caller must hold mu.
func (p *BufferedPolicy) overLimitLocked(size int64) string {
	if p.config.MaxBufferEvents > 0 && len(p.buffer) >= p.config.MaxBufferEvents {
		return "event"
	}
	if p.config.MaxBufferBytes > 0 && p.bufferBytes+size > p.config.MaxBufferBytes {
		return "byte"
	}
	return ""
}

// Flush writes the held turn in one batch. The buffer is cleared only
// after the sink accepts it.
func (p *BufferedPolicy) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.stats.incFlushLocked()
	events := p.buffer
	p.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	if err := p.sink.WriteEvents(ctx, events); err != nil {
		p.mu.Lock()
		p.stats.incErrorsLocked()
		p.mu.Unlock()
		p.logger.Error("flush failed", map[string]any{
			"events": len(events),
			"error":  err.Error(),
			"policy": "buffered",
		})
		return err
	}

	p.mu.Lock()
	p.stats.incEventsPersistedLocked(int64(len(events)))
	p.buffer = p.buffer[len(events):]
	p.bufferBytes = 0
	for _, ev := range p.buffer {
		p.bufferBytes += estimateEventSize(ev)
	}
	p.stats.setBufferSizeLocked(p.bufferBytes)
	p.mu.Unlock()
	return nil
}

// Close flushes best-effort and closes the sink.
func (p *BufferedPolicy) Close() error {
	_ = p.Flush(context.Background())
	return p.sink.Close()
}

// Stats returns an atomic snapshot of policy statistics.
func (p *BufferedPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.snapshotLocked(p.bufferBytes)
}

var _ Policy = (*BufferedPolicy)(nil)
