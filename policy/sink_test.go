package policy_test

import (
	"errors"
	"testing"

	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/types"
)

func TestStubSink_WriteEvents(t *testing.T) {
	sink := policy.NewStubSink()

	batch := []types.Event{textEvent(1), textEvent(2)}
	if err := sink.WriteEvents(t.Context(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := sink.Stats()
	if stats.EventsWritten != 2 {
		t.Errorf("expected 2 events written, got %d", stats.EventsWritten)
	}
	if stats.EventBatches != 1 {
		t.Errorf("expected 1 batch, got %d", stats.EventBatches)
	}
	if len(sink.Batches) != 1 || len(sink.Batches[0]) != 2 {
		t.Errorf("unexpected batches: %v", sink.Batches)
	}
}

func TestStubSink_ErrorOnWrite(t *testing.T) {
	sink := policy.NewStubSink()
	sink.SetError(errors.New("boom"))

	if err := sink.WriteEvents(t.Context(), []types.Event{textEvent(1)}); err == nil {
		t.Error("expected error")
	}
	if sink.Stats().EventsWritten != 0 {
		t.Error("failed writes must not be recorded")
	}
}

func TestStubSink_Close(t *testing.T) {
	sink := policy.NewStubSink()
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sink.Stats().Closed {
		t.Error("expected Closed=true")
	}
}
