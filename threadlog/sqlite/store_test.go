package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/tributary/types"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
}

func TestSinkWriteAndLoad(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)

	sink, err := store.Sink(ctx, "thread-1")
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	batch := []types.Event{
		types.NewEvent(types.EventTypeTextComplete, map[string]any{"id": "t1", "content": "hello"}),
		types.Mutation{Source: "space:1", Payload: map[string]any{"n": 1}}.Event(),
	}
	if err := sink.WriteEvents(ctx, batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.WriteEvents(ctx, []types.Event{types.NewEvent(types.EventTypeToolOutputAvailable, map[string]any{"toolCallId": "c1"})}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := store.Load(ctx, "thread-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	wantTypes := []types.EventType{types.EventTypeTextComplete, types.EventTypeMutation, types.EventTypeToolOutputAvailable}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Errorf("event %d: type = %s, want %s", i, got[i].Type, want)
		}
		if got[i].StringField(types.FieldTimestamp) == "" {
			t.Errorf("event %d: expected timestamp", i)
		}
	}
	if got[0].StringField(types.FieldContent) != "hello" {
		t.Errorf("content = %q", got[0].StringField(types.FieldContent))
	}
}

func TestSinkContinuesSequence(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)

	first, err := store.Sink(ctx, "thread-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := first.WriteEvents(ctx, []types.Event{types.NewEvent(types.EventTypeTextComplete, map[string]any{"id": "a"})}); err != nil {
		t.Fatal(err)
	}

	second, err := store.Sink(ctx, "thread-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := second.WriteEvents(ctx, []types.Event{types.NewEvent(types.EventTypeTextComplete, map[string]any{"id": "b"})}); err != nil {
		t.Fatalf("second sink should not collide: %v", err)
	}

	got, err := store.Load(ctx, "thread-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID() != "a" || got[1].ID() != "b" {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestThreadsAndIsolation(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)

	for _, id := range []string{"b", "a"} {
		sink, err := store.Sink(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if err := sink.WriteEvents(ctx, []types.Event{types.NewEvent(types.EventTypeTextComplete, map[string]any{"id": id})}); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := store.Threads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("Threads = %v", ids)
	}

	got, err := store.Load(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID() != "a" {
		t.Errorf("thread a leaked events: %+v", got)
	}

	empty, err := store.Load(ctx, "missing")
	if err != nil || len(empty) != 0 {
		t.Errorf("missing thread should load empty, got %v %v", empty, err)
	}
}

func TestSinkRequiresThreadID(t *testing.T) {
	store := openTempStore(t)
	if _, err := store.Sink(context.Background(), ""); err == nil {
		t.Error("expected empty thread id to be rejected")
	}
}
