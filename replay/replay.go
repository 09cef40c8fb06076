// Package replay rebuilds live component state from a thread log by
// re-applying its mutation envelopes in file order.
//
// Replay is report based: a mutation that cannot be routed is skipped and
// a mutation that fails to apply is recorded, and in both cases replay
// continues with the next event.
package replay

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/types"
)

// Component is a stateful collaborator that owns one event source prefix
// and can apply mutation payloads addressed to it. The payload format is
// private to the component.
type Component interface {
	EventSourcePrefix() string
	ApplyMutation(payload any) error
}

// Result summarizes one reconstruction.
type Result struct {
	TotalEvents      int      `json:"total_events"`
	MutationsApplied int      `json:"mutations_applied"`
	MutationsSkipped int      `json:"mutations_skipped"`
	Errors           []string `json:"errors"`
}

// Success reports whether every routed mutation applied cleanly.
func (r Result) Success() bool {
	return len(r.Errors) == 0
}

// Reconstructor routes mutations to registered components.
// Registration is safe for concurrent use; a single Reconstruct call applies
// mutations sequentially.
type Reconstructor struct {
	mu         sync.Mutex
	components map[string]Component

	logger    *log.Logger
	collector *metrics.Collector
}

// NewReconstructor creates an empty reconstructor. Logger and collector are
// optional.
func NewReconstructor(logger *log.Logger, collector *metrics.Collector) *Reconstructor {
	return &Reconstructor{
		components: make(map[string]Component),
		logger:     logger,
		collector:  collector,
	}
}

// Register binds c under its prefix. A later registration for the same
// prefix replaces the earlier one.
func (r *Reconstructor) Register(c Component) {
	prefix := c.EventSourcePrefix()

	r.mu.Lock()
	r.components[prefix] = c
	r.mu.Unlock()

	r.logger.Debug("registered component", map[string]any{
		"prefix": prefix,
		"type":   fmt.Sprintf("%T", c),
	})
}

// Clear removes every registration.
func (r *Reconstructor) Clear() {
	r.mu.Lock()
	clear(r.components)
	r.mu.Unlock()
}

// Registered returns the registered prefixes.
func (r *Reconstructor) Registered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefixes := make([]string, 0, len(r.components))
	for p := range r.components {
		prefixes = append(prefixes, p)
	}
	return prefixes
}

// target resolves a source key: exact match, then the component type
// before the first separator, then the raw source.
func (r *Reconstructor) target(m types.Mutation) Component {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.components[m.Source]; ok {
		return c
	}
	if c, ok := r.components[m.Prefix()]; ok {
		return c
	}
	return nil
}

// Reconstruct replays every mutation envelope in events. It always returns
// a result; it never stops early.
func (r *Reconstructor) Reconstruct(ctx context.Context, events []types.Event) Result {
	_, span := otel.Tracer("github.com/pithecene-io/tributary/replay").Start(ctx, "replay.Reconstruct")
	defer span.End()

	res := Result{TotalEvents: len(events)}

	for idx, e := range events {
		if e.Type != types.EventTypeMutation {
			continue
		}

		m, err := types.MutationFromEvent(e)
		if err != nil {
			res.MutationsSkipped++
			r.logger.Warn("malformed mutation envelope", map[string]any{
				"event": idx,
				"error": err.Error(),
			})
			continue
		}

		c := r.target(m)
		if c == nil {
			res.MutationsSkipped++
			r.logger.Warn("no target for mutation", map[string]any{
				"event":  idx,
				"source": m.Source,
			})
			continue
		}

		if err := apply(c, m.Payload); err != nil {
			msg := fmt.Sprintf("failed to apply mutation from %s: %v", m.Source, err)
			res.Errors = append(res.Errors, msg)
			r.logger.Error("mutation failed", map[string]any{
				"event":  idx,
				"source": m.Source,
				"error":  err.Error(),
			})
			continue
		}
		res.MutationsApplied++
	}

	r.collector.AddMutations(res.MutationsApplied, res.MutationsSkipped, len(res.Errors))
	span.SetAttributes(
		attribute.Int("replay.events", res.TotalEvents),
		attribute.Int("replay.applied", res.MutationsApplied),
		attribute.Int("replay.skipped", res.MutationsSkipped),
		attribute.Int("replay.errors", len(res.Errors)),
	)
	r.logger.Info("reconstruction complete", map[string]any{
		"events":  res.TotalEvents,
		"applied": res.MutationsApplied,
		"skipped": res.MutationsSkipped,
		"errors":  len(res.Errors),
	})

	return res
}

// apply shields replay from a component that panics.
func apply(c Component, payload any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return c.ApplyMutation(payload)
}
