package validate

import (
	"strings"
	"testing"

	"github.com/pithecene-io/tributary/types"
)

func call(id string) types.Event {
	return types.NewEvent(types.EventTypeToolInputAvailable, map[string]any{
		"toolCallId": id, "toolName": "search", "input": map[string]any{},
	})
}

func output(id string) types.Event {
	return types.NewEvent(types.EventTypeToolOutputAvailable, map[string]any{"toolCallId": id, "output": "ok"})
}

func toolError(id string) types.Event {
	return types.NewEvent(types.EventTypeToolOutputError, map[string]any{"toolCallId": id, "errorText": "boom"})
}

func text(content string) types.Event {
	return types.NewEvent(types.EventTypeTextComplete, map[string]any{"id": "t", "content": content})
}

func TestValidate_CleanLog(t *testing.T) {
	events := []types.Event{text("hi"), call("a"), output("a"), call("b"), toolError("b")}

	res := Validate(events, Options{})

	if !res.Success {
		t.Fatalf("expected success, got errors %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", res.Warnings)
	}
	if res.EventCount != 5 || res.ToolCalls != 2 || res.Resolved != 2 {
		t.Errorf("unexpected counts: %+v", res)
	}
}

func TestValidate_OneErrorPerViolation(t *testing.T) {
	tests := []struct {
		name     string
		events   []types.Event
		contains string
	}{
		{
			name:     "duplicate call",
			events:   []types.Event{call("a"), call("a"), output("a")},
			contains: "first seen at event 0",
		},
		{
			name:     "result without call",
			events:   []types.Event{output("ghost")},
			contains: "without preceding tool call",
		},
		{
			name:     "error without call",
			events:   []types.Event{toolError("ghost")},
			contains: "tool error",
		},
		{
			name:     "duplicate result",
			events:   []types.Event{call("a"), output("a"), toolError("a")},
			contains: "duplicate tool result",
		},
		{
			name:     "missing id on call",
			events:   []types.Event{types.NewEvent(types.EventTypeToolInputAvailable, nil)},
			contains: "missing toolCallId",
		},
		{
			name:     "missing id on result",
			events:   []types.Event{types.NewEvent(types.EventTypeToolOutputError, nil)},
			contains: "missing toolCallId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.events, Options{})
			if res.Success {
				t.Fatal("expected failure")
			}
			if len(res.Errors) != 1 {
				t.Fatalf("expected exactly 1 error, got %d: %v", len(res.Errors), res.Errors)
			}
			if !strings.Contains(res.Errors[0], tt.contains) {
				t.Errorf("error %q should contain %q", res.Errors[0], tt.contains)
			}
		})
	}
}

func TestValidate_ErrorIndexesEvents(t *testing.T) {
	res := Validate([]types.Event{text("x"), text("y"), output("ghost")}, Options{})
	if !strings.HasPrefix(res.Errors[0], "event 2:") {
		t.Errorf("expected message to reference event 2, got %q", res.Errors[0])
	}
}

func TestValidate_Orphans(t *testing.T) {
	events := []types.Event{call("b"), call("a"), output("b")}

	lenient := Validate(events, Options{})
	if !lenient.Success {
		t.Errorf("orphans must not fail non-strict validation: %v", lenient.Errors)
	}
	if len(lenient.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", lenient.Warnings)
	}
	if len(lenient.Orphaned) != 1 || lenient.Orphaned[0] != "a" {
		t.Errorf("expected orphan a, got %v", lenient.Orphaned)
	}

	strict := Validate(events, Options{Strict: true})
	if strict.Success {
		t.Error("orphans must fail strict validation")
	}
	if len(strict.Errors) != 1 || len(strict.Warnings) != 0 {
		t.Errorf("expected 1 error and no warnings, got %v / %v", strict.Errors, strict.Warnings)
	}
}

func TestValidate_OrphanMessageListsSortedIDs(t *testing.T) {
	res := Validate([]types.Event{call("zeta"), call("alpha")}, Options{})
	if !strings.HasSuffix(res.Warnings[0], "alpha, zeta") {
		t.Errorf("expected sorted ids, got %q", res.Warnings[0])
	}
}

func TestValidate_DoesNotModifyInput(t *testing.T) {
	events := []types.Event{call("a"), output("a")}
	before := events[0].Clone()

	Validate(events, Options{Strict: true})

	if len(events[0].Fields) != len(before.Fields) || events[0].ToolCallID() != "a" {
		t.Error("input events were modified")
	}
}
