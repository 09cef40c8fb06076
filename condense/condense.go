// Package condense turns a raw, token-granular event stream into complete
// discrete events suitable for the durable thread log.
//
// Text and reasoning parts are accumulated between their start and end
// events and emitted once as text-complete / reasoning-complete. Tool input
// is never reassembled from fragments: only the materialized input carried
// by tool-input-available is trusted. Delta events never leave a Condenser.
package condense

import (
	"maps"
	"strings"

	"github.com/pithecene-io/tributary/types"
)

// Stats counts what a Condenser did with its input.
type Stats struct {
	// Emitted is the number of complete events produced.
	Emitted int64
	// PassedThrough is the number of events forwarded unchanged.
	PassedThrough int64
	// Filtered is the number of lifecycle, transient and tool-input-delta
	// events swallowed on purpose.
	Filtered int64
	// Dropped is the number of deltas and ends that referenced a part id
	// with no open accumulator.
	Dropped int64
}

// partAccumulator buffers one text or reasoning part.
type partAccumulator struct {
	buf      strings.Builder
	metadata map[string]any
}

// toolAccumulator holds the start-time context of one tool call.
type toolAccumulator struct {
	toolName string
	dynamic  any
	title    any
}

type handler func(c *Condenser, ev types.Event) (types.Event, bool)

// handlers is the dispatch table keyed by discriminator. Types without an
// entry pass through unchanged.
var handlers = map[types.EventType]handler{
	types.EventTypeTextStart:          (*Condenser).openPart,
	types.EventTypeReasoningStart:     (*Condenser).openPart,
	types.EventTypeTextDelta:          (*Condenser).appendPart,
	types.EventTypeReasoningDelta:     (*Condenser).appendPart,
	types.EventTypeTextEnd:            (*Condenser).closePart,
	types.EventTypeReasoningEnd:       (*Condenser).closePart,
	types.EventTypeToolInputStart:     (*Condenser).openTool,
	types.EventTypeToolInputDelta:     (*Condenser).filter,
	types.EventTypeToolInputAvailable: (*Condenser).closeTool,
	types.EventTypeStart:              (*Condenser).filter,
	types.EventTypeFinish:             (*Condenser).filter,
	types.EventTypeAbort:              (*Condenser).filter,
}

// completeTypes maps a part's end event to the event it condenses into.
var completeTypes = map[types.EventType]types.EventType{
	types.EventTypeTextEnd:      types.EventTypeTextComplete,
	types.EventTypeReasoningEnd: types.EventTypeReasoningComplete,
}

// Condenser is the accumulation state machine. It is not safe for
// concurrent use; each execution stream owns one.
type Condenser struct {
	parts map[string]*partAccumulator
	tools map[string]*toolAccumulator
	stats Stats
}

// New creates an empty Condenser.
func New() *Condenser {
	return &Condenser{
		parts: make(map[string]*partAccumulator),
		tools: make(map[string]*toolAccumulator),
	}
}

// Process consumes one raw event. It returns the event to persist and true,
// or false when the event was absorbed into an accumulator or filtered.
func (c *Condenser) Process(ev types.Event) (types.Event, bool) {
	if h, ok := handlers[ev.Type]; ok {
		return h(c, ev)
	}
	if ev.Type.IsData() && ev.BoolField(types.FieldTransient) {
		return c.filter(ev)
	}
	c.stats.PassedThrough++
	return ev, true
}

// Reset discards every open accumulator. Content buffered at that moment
// is lost, so callers only reset at a message boundary.
func (c *Condenser) Reset() {
	clear(c.parts)
	clear(c.tools)
}

// Open returns the number of accumulators currently open.
func (c *Condenser) Open() int {
	return len(c.parts) + len(c.tools)
}

// Stats returns a copy of the counters.
func (c *Condenser) Stats() Stats {
	return c.stats
}

func (c *Condenser) filter(types.Event) (types.Event, bool) {
	c.stats.Filtered++
	return types.Event{}, false
}

func (c *Condenser) drop() (types.Event, bool) {
	c.stats.Dropped++
	return types.Event{}, false
}

func (c *Condenser) openPart(ev types.Event) (types.Event, bool) {
	acc := &partAccumulator{}
	if md := ev.ObjectField(types.FieldProviderMetadata); md != nil {
		acc.metadata = maps.Clone(md)
	}
	c.parts[ev.ID()] = acc
	return types.Event{}, false
}

func (c *Condenser) appendPart(ev types.Event) (types.Event, bool) {
	acc, ok := c.parts[ev.ID()]
	if !ok {
		return c.drop()
	}
	acc.buf.WriteString(ev.StringField(types.FieldDelta))
	return types.Event{}, false
}

func (c *Condenser) closePart(ev types.Event) (types.Event, bool) {
	id := ev.ID()
	acc, ok := c.parts[id]
	if !ok {
		return c.drop()
	}
	delete(c.parts, id)

	fields := map[string]any{
		types.FieldID:      id,
		types.FieldContent: acc.buf.String(),
	}
	if md := mergeMetadata(acc.metadata, ev.ObjectField(types.FieldProviderMetadata)); md != nil {
		fields[types.FieldProviderMetadata] = md
	}

	c.stats.Emitted++
	return types.NewEvent(completeTypes[ev.Type], fields), true
}

func (c *Condenser) openTool(ev types.Event) (types.Event, bool) {
	acc := &toolAccumulator{toolName: ev.StringField(types.FieldToolName)}
	acc.dynamic, _ = ev.Get(types.FieldDynamic)
	acc.title, _ = ev.Get(types.FieldTitle)
	c.tools[ev.ToolCallID()] = acc
	return types.Event{}, false
}

// closeTool finalizes a tool call. A call whose start was never seen is
// finalized from the available event alone. Provider metadata is taken
// from the available event only; start-time metadata describes the
// streaming call, not the finished input.
func (c *Condenser) closeTool(ev types.Event) (types.Event, bool) {
	id := ev.ToolCallID()
	acc, ok := c.tools[id]
	if !ok {
		acc = &toolAccumulator{}
	}
	delete(c.tools, id)

	toolName := acc.toolName
	if toolName == "" {
		toolName = ev.StringField(types.FieldToolName)
	}
	input, _ := ev.Get(types.FieldInput)

	fields := map[string]any{
		types.FieldToolCallID: id,
		types.FieldToolName:   toolName,
		types.FieldInput:      input,
	}
	if v, ok := ev.Get(types.FieldProviderExecuted); ok {
		fields[types.FieldProviderExecuted] = v
	}
	setFirst(fields, types.FieldDynamic, acc.dynamic, ev)
	setFirst(fields, types.FieldTitle, acc.title, ev)
	if md := ev.ObjectField(types.FieldProviderMetadata); len(md) > 0 {
		fields[types.FieldProviderMetadata] = maps.Clone(md)
	}

	c.stats.Emitted++
	return types.NewEvent(types.EventTypeToolInputAvailable, fields), true
}

// setFirst copies a start-time value, falling back to the value on the
// closing event.
func setFirst(fields map[string]any, key string, startValue any, ev types.Event) {
	if startValue != nil {
		fields[key] = startValue
		return
	}
	if v, ok := ev.Get(key); ok && v != nil {
		fields[key] = v
	}
}

// mergeMetadata overlays end-time metadata on start-time metadata.
// Returns nil when both are empty.
func mergeMetadata(start, end map[string]any) map[string]any {
	if len(start) == 0 && len(end) == 0 {
		return nil
	}
	out := make(map[string]any, len(start)+len(end))
	maps.Copy(out, start)
	maps.Copy(out, end)
	return out
}
