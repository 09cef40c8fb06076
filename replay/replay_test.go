package replay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/types"
)

// recorder is a test component that records payloads it receives.
type recorder struct {
	prefix  string
	fail    bool
	panics  bool
	applied []any
}

func (r *recorder) EventSourcePrefix() string { return r.prefix }

func (r *recorder) ApplyMutation(payload any) error {
	if r.panics {
		panic("component exploded")
	}
	if r.fail {
		return errors.New("rejected")
	}
	r.applied = append(r.applied, payload)
	return nil
}

func mutation(source string, payload any) types.Event {
	return types.Mutation{Source: source, Payload: payload}.Event()
}

func TestReconstruct_RoutesByExactThenPrefix(t *testing.T) {
	r := NewReconstructor(nil, nil)
	space := &recorder{prefix: "space"}
	widget := &recorder{prefix: "widget:notes:1"}
	r.Register(space)
	r.Register(widget)

	res := r.Reconstruct(context.Background(), []types.Event{
		types.NewEvent(types.EventTypeTextComplete, map[string]any{"id": "t", "content": "x"}),
		mutation("space:MultiAgent:1", "a"),
		mutation("widget:notes:1", "b"),
		mutation("space", "c"),
		mutation("widget:notes:2", "d"),
	})

	if res.TotalEvents != 5 {
		t.Errorf("TotalEvents = %d, want 5", res.TotalEvents)
	}
	if res.MutationsApplied != 3 {
		t.Errorf("MutationsApplied = %d, want 3", res.MutationsApplied)
	}
	if res.MutationsSkipped != 1 {
		t.Errorf("MutationsSkipped = %d, want 1 (widget:notes:2 has no target)", res.MutationsSkipped)
	}
	if len(space.applied) != 2 || space.applied[0] != "a" || space.applied[1] != "c" {
		t.Errorf("space received %v", space.applied)
	}
	if len(widget.applied) != 1 || widget.applied[0] != "b" {
		t.Errorf("widget received %v", widget.applied)
	}
}

func TestReconstruct_ContinuesAfterFailures(t *testing.T) {
	r := NewReconstructor(nil, nil)
	r.Register(&recorder{prefix: "bad", fail: true})
	r.Register(&recorder{prefix: "boom", panics: true})
	good := &recorder{prefix: "good"}
	r.Register(good)

	res := r.Reconstruct(context.Background(), []types.Event{
		mutation("bad:1", 1),
		mutation("boom:1", 2),
		mutation("good:1", 3),
	})

	if res.Success() {
		t.Error("expected failures to be reported")
	}
	if len(res.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %v", res.Errors)
	}
	if res.MutationsApplied != 1 || len(good.applied) != 1 {
		t.Errorf("replay should continue past failures, applied=%d", res.MutationsApplied)
	}
}

func TestReconstruct_MalformedEnvelopeIsSkipped(t *testing.T) {
	r := NewReconstructor(nil, nil)
	r.Register(&recorder{prefix: "space"})

	res := r.Reconstruct(context.Background(), []types.Event{
		types.NewEvent(types.EventTypeMutation, map[string]any{"data": "not-an-object"}),
	})

	if res.MutationsSkipped != 1 || !res.Success() {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRegister_LastWins(t *testing.T) {
	r := NewReconstructor(nil, nil)
	first := &recorder{prefix: "space"}
	second := &recorder{prefix: "space"}
	r.Register(first)
	r.Register(second)

	r.Reconstruct(context.Background(), []types.Event{mutation("space:1", "x")})

	if len(first.applied) != 0 || len(second.applied) != 1 {
		t.Errorf("expected the later registration to win, first=%v second=%v", first.applied, second.applied)
	}
	if len(r.Registered()) != 1 {
		t.Errorf("expected one registration, got %v", r.Registered())
	}
}

func TestReconstruct_DeterministicAfterClear(t *testing.T) {
	log := []types.Event{
		mutation("space:1", map[string]any{"n": 1}),
		mutation("ghost:1", map[string]any{}),
		mutation("bad:1", map[string]any{}),
		mutation("space:2", map[string]any{"n": 2}),
	}
	collector := metrics.NewCollector("strict", "jsonl", "")
	r := NewReconstructor(nil, collector)

	bind := func() {
		r.Clear()
		r.Register(NewSnapshotComponent("space"))
		r.Register(&recorder{prefix: "bad", fail: true})
	}

	bind()
	first := r.Reconstruct(context.Background(), log)
	bind()
	second := r.Reconstruct(context.Background(), log)

	if first.MutationsApplied != second.MutationsApplied ||
		first.MutationsSkipped != second.MutationsSkipped ||
		len(first.Errors) != len(second.Errors) {
		t.Errorf("replay not deterministic: %+v vs %+v", first, second)
	}
	if s := collector.Snapshot(); s.MutationsApplied != 4 || s.MutationsSkipped != 2 || s.MutationsFailed != 2 {
		t.Errorf("unexpected collector totals: %+v", s)
	}
}

func TestClear_RemovesRegistrations(t *testing.T) {
	r := NewReconstructor(nil, nil)
	r.Register(&recorder{prefix: "space"})
	r.Clear()

	res := r.Reconstruct(context.Background(), []types.Event{mutation("space:1", "x")})
	if res.MutationsSkipped != 1 {
		t.Errorf("expected mutation to be skipped after clear, got %+v", res)
	}
}

func TestRegister_Concurrent(t *testing.T) {
	r := NewReconstructor(nil, nil)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(&recorder{prefix: string(rune('a' + i))})
		}()
	}
	wg.Wait()

	if got := len(r.Registered()); got != 20 {
		t.Errorf("expected 20 registrations, got %d", got)
	}
}

func TestSnapshotComponent_FoldsPayloads(t *testing.T) {
	s := NewSnapshotComponent("space")

	if err := s.ApplyMutation(map[string]any{"instance": "a", "title": "one", "n": 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.ApplyMutation(map[string]any{"instance": "a", "n": 2}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.ApplyMutation(map[string]any{"instance": "b", "op": "reset", "n": 9}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.ApplyMutation("nope"); err == nil {
		t.Error("expected non-object payload to be rejected")
	}

	state := s.State()
	if state["a"]["title"] != "one" || state["a"]["n"] != 2 {
		t.Errorf("unexpected state for a: %v", state["a"])
	}
	if _, ok := state["b"]["op"]; ok {
		t.Error("op must not be stored")
	}
	if s.Applied()["a"] != 2 {
		t.Errorf("expected 2 mutations for a, got %d", s.Applied()["a"])
	}
}
