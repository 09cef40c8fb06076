// Package validate checks a closed, condensed event sequence for tool-call
// referential integrity before it is trusted for replay.
//
// Problems are reported as data in a Result, never as Go errors: every
// violation produces exactly one message.
package validate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pithecene-io/tributary/types"
)

// Options configures one validation pass.
type Options struct {
	// Strict promotes orphaned tool calls from a warning to an error.
	Strict bool
}

// Result summarizes one validation pass.
type Result struct {
	// Success is true when Errors is empty. Warnings never fail validation.
	Success bool `json:"success"`
	// Errors lists integrity violations.
	Errors []string `json:"errors"`
	// Warnings lists non-fatal findings.
	Warnings []string `json:"warnings"`
	// EventCount is the number of events inspected.
	EventCount int `json:"event_count"`
	// ToolCalls is the number of distinct tool calls opened.
	ToolCalls int `json:"tool_calls"`
	// Resolved is the number of tool calls that received a terminal result.
	Resolved int `json:"resolved"`
	// Orphaned lists tool call ids opened but never resolved, sorted.
	Orphaned []string `json:"orphaned,omitempty"`
}

// resultLabels names each terminal result type in messages.
var resultLabels = map[types.EventType]string{
	types.EventTypeToolOutputAvailable: "tool output",
	types.EventTypeToolOutputError:     "tool error",
}

// Validate checks events in order. It does not modify its input.
func Validate(events []types.Event, opts Options) Result {
	opened := make(map[string]int)
	resolved := make(map[string]struct{})
	var errs, warnings []string

	for idx, e := range events {
		switch e.Type {
		case types.EventTypeToolInputAvailable:
			id := e.ToolCallID()
			if id == "" {
				errs = append(errs, fmt.Sprintf("event %d: %s missing toolCallId", idx, e.Type))
				continue
			}
			if first, dup := opened[id]; dup {
				errs = append(errs, fmt.Sprintf(
					"event %d: duplicate tool call id %q (first seen at event %d)", idx, id, first))
				continue
			}
			opened[id] = idx

		case types.EventTypeToolOutputAvailable, types.EventTypeToolOutputError:
			id := e.ToolCallID()
			if id == "" {
				errs = append(errs, fmt.Sprintf("event %d: %s missing toolCallId", idx, e.Type))
				continue
			}
			label := resultLabels[e.Type]
			if _, ok := opened[id]; !ok {
				errs = append(errs, fmt.Sprintf(
					"event %d: %s for %q without preceding tool call", idx, label, id))
				continue
			}
			if _, done := resolved[id]; done {
				errs = append(errs, fmt.Sprintf(
					"event %d: duplicate tool result for %q (%s)", idx, id, label))
				continue
			}
			resolved[id] = struct{}{}
		}
	}

	var orphaned []string
	for id := range opened {
		if _, ok := resolved[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	slices.Sort(orphaned)

	if len(orphaned) > 0 {
		msg := fmt.Sprintf("found %d tool call(s) without results: %s",
			len(orphaned), strings.Join(orphaned, ", "))
		if opts.Strict {
			errs = append(errs, msg)
		} else {
			warnings = append(warnings, msg)
		}
	}

	return Result{
		Success:    len(errs) == 0,
		Errors:     errs,
		Warnings:   warnings,
		EventCount: len(events),
		ToolCalls:  len(opened),
		Resolved:   len(resolved),
		Orphaned:   orphaned,
	}
}
