package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/tributary/types"
)

// NoopPolicy accepts all events and persists none. Every event is counted
// as dropped under its type. Used for dry runs and tests.
type NoopPolicy struct {
	mu    sync.Mutex
	stats Stats
}

// NewNoopPolicy creates a new no-op policy.
func NewNoopPolicy() *NoopPolicy {
	return &NoopPolicy{
		stats: Stats{DroppedByType: make(map[types.EventType]int64)},
	}
}

// IngestEvent counts the event and discards it.
func (p *NoopPolicy) IngestEvent(_ context.Context, ev types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TotalEvents++
	p.stats.EventsDropped++
	p.stats.DroppedByType[ev.Type]++
	return nil
}

// Flush is a no-op.
func (p *NoopPolicy) Flush(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.FlushCount++
	return nil
}

// Close is a no-op.
func (p *NoopPolicy) Close() error {
	return nil
}

// Stats returns the policy statistics.
func (p *NoopPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyStats(p.stats)
}

var _ Policy = (*NoopPolicy)(nil)
