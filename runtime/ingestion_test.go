package runtime

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/types"
)

var testMeta = types.ThreadMeta{ThreadID: "thread-1", Turn: 1}

func newTestEngine(data []byte, pol policy.Policy, emit EmitFunc, c *metrics.Collector) *IngestionEngine {
	return NewIngestionEngine(bytes.NewReader(data), pol, emit, testMeta, log.Nop(), c)
}

func TestIngestionEngine_CondensesAndEmitsRaw(t *testing.T) {
	data := newFrameStream(t, "thread-1").textTurn("t1", "Hel", "lo").bytes()
	sink := policy.NewStubSink()
	rec := &emitRecorder{}

	engine := newTestEngine(data, policy.NewStrictPolicy(sink), rec.emit, nil)
	if err := engine.Run(t.Context()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	raw := rec.all()
	if len(raw) != 6 {
		t.Fatalf("emitted %d raw events, want 6", len(raw))
	}
	if got := raw[0].ThreadID(); got != "thread-1" {
		t.Errorf("start threadId = %q, want thread-1", got)
	}
	if raw[2].Type != types.EventTypeTextDelta || raw[2].Has(types.FieldThreadID) {
		t.Errorf("delta must be forwarded without threadId, got %+v", raw[2])
	}

	persisted := sink.Events()
	if len(persisted) != 1 {
		t.Fatalf("persisted %d events, want 1", len(persisted))
	}
	if persisted[0].Type != types.EventTypeTextComplete {
		t.Errorf("persisted type = %q, want text-complete", persisted[0].Type)
	}
	if got := persisted[0].StringField(types.FieldContent); got != "Hello" {
		t.Errorf("content = %q, want Hello", got)
	}

	terminal, ok := engine.Terminal()
	if !ok || terminal.Type != types.EventTypeFinish {
		t.Errorf("terminal = %v, %v; want finish", terminal, ok)
	}
	stats := engine.Stats()
	if stats.Received != 6 {
		t.Errorf("Received = %d, want 6", stats.Received)
	}
	if stats.Condense.Emitted != 1 || stats.Condense.Filtered != 2 {
		t.Errorf("Condense = %+v, want 1 emitted and 2 filtered", stats.Condense)
	}
	if engine.CurrentSeq() != 6 {
		t.Errorf("CurrentSeq = %d, want 6", engine.CurrentSeq())
	}
}

func TestIngestionEngine_KeepsExistingThreadID(t *testing.T) {
	data := newFrameStream(t, "thread-1").
		event(types.EventType("data-note"), map[string]any{"threadId": "parent", "data": "x"}).
		bytes()
	rec := &emitRecorder{}

	if err := newTestEngine(data, policy.NewNoopPolicy(), rec.emit, nil).Run(t.Context()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := rec.all()[0].ThreadID(); got != "parent" {
		t.Errorf("threadId = %q, want parent", got)
	}
}

func TestIngestionEngine_ContractVersionMismatch(t *testing.T) {
	s := newFrameStream(t, "thread-1")
	s.frame(&types.EventFrame{
		Type:            types.EventFrameType,
		ContractVersion: "0.99.0",
		ThreadID:        "thread-1",
		Seq:             1,
		Event:           types.NewEvent(types.EventTypeStart, nil),
	})

	c := metrics.NewCollector("noop", "none", "")
	err := newTestEngine(s.bytes(), policy.NewNoopPolicy(), nil, c).Run(t.Context())
	if !IsStreamError(err) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if c.Snapshot().ExecutorCrash != 1 {
		t.Errorf("ExecutorCrash = %d, want 1", c.Snapshot().ExecutorCrash)
	}
}

func TestIngestionEngine_ThreadIDMismatch(t *testing.T) {
	data := newFrameStream(t, "thread-other").event(types.EventTypeStart, nil).bytes()

	err := newTestEngine(data, policy.NewNoopPolicy(), nil, nil).Run(t.Context())
	if !IsStreamError(err) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestIngestionEngine_SequenceViolation(t *testing.T) {
	data := newFrameStream(t, "thread-1").
		eventAt(1, types.EventTypeStart, nil).
		eventAt(3, types.EventTypeFinish, nil).
		bytes()

	engine := newTestEngine(data, policy.NewNoopPolicy(), nil, nil)
	err := engine.Run(t.Context())
	if !IsStreamError(err) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if engine.CurrentSeq() != 1 {
		t.Errorf("CurrentSeq = %d, want 1", engine.CurrentSeq())
	}
}

func TestIngestionEngine_IgnoresEventsAfterTerminal(t *testing.T) {
	data := newFrameStream(t, "thread-1").
		event(types.EventTypeStart, nil).
		event(types.EventTypeAbort, nil).
		event(types.EventTypeFinish, nil).
		bytes()
	rec := &emitRecorder{}

	engine := newTestEngine(data, policy.NewNoopPolicy(), rec.emit, nil)
	if err := engine.Run(t.Context()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	terminal, _ := engine.Terminal()
	if terminal.Type != types.EventTypeAbort {
		t.Errorf("terminal = %q, want abort (first wins)", terminal.Type)
	}
	if got := engine.Stats().Ignored; got != 1 {
		t.Errorf("Ignored = %d, want 1", got)
	}
	if got := len(rec.all()); got != 2 {
		t.Errorf("emitted %d events, want 2", got)
	}
}

func TestIngestionEngine_ResetsOpenPartsAtTerminal(t *testing.T) {
	data := newFrameStream(t, "thread-1").
		event(types.EventTypeTextStart, map[string]any{"id": "t1"}).
		event(types.EventTypeTextDelta, map[string]any{"id": "t1", "delta": "half"}).
		event(types.EventTypeFinish, nil).
		bytes()
	sink := policy.NewStubSink()

	engine := newTestEngine(data, policy.NewStrictPolicy(sink), nil, nil)
	if err := engine.Run(t.Context()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := len(sink.Events()); got != 0 {
		t.Errorf("persisted %d events, want 0", got)
	}
	if engine.condenser.Open() != 0 {
		t.Errorf("condenser still has %d open parts", engine.condenser.Open())
	}
}

func TestIngestionEngine_CountsUnknownPartDeltas(t *testing.T) {
	data := newFrameStream(t, "thread-1").
		event(types.EventTypeTextDelta, map[string]any{"id": "ghost", "delta": "x"}).
		event(types.EventTypeTextEnd, map[string]any{"id": "ghost"}).
		bytes()

	engine := newTestEngine(data, policy.NewNoopPolicy(), nil, nil)
	if err := engine.Run(t.Context()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := engine.Stats().Condense.Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestIngestionEngine_PolicyFailure(t *testing.T) {
	data := newFrameStream(t, "thread-1").
		event(types.EventTypeError, map[string]any{"errorText": "boom"}).
		bytes()
	sink := policy.NewStubSink()
	sink.SetError(errors.New("disk full"))

	engine := newTestEngine(data, policy.NewStrictPolicy(sink), nil, nil)
	err := engine.Run(t.Context())
	if !IsPolicyError(err) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if engine.LastError() != "boom" {
		t.Errorf("LastError = %q, want boom", engine.LastError())
	}
}

func TestIngestionEngine_EmitFailure(t *testing.T) {
	data := newFrameStream(t, "thread-1").event(types.EventTypeStart, nil).bytes()
	gone := errors.New("client gone")

	err := newTestEngine(data, policy.NewNoopPolicy(), func(types.Event) error { return gone }, nil).Run(t.Context())
	if !IsCanceledError(err) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if !errors.Is(err, gone) {
		t.Errorf("error %v does not wrap the emit failure", err)
	}
}

func TestIngestionEngine_CanceledContext(t *testing.T) {
	data := newFrameStream(t, "thread-1").event(types.EventTypeStart, nil).bytes()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := newTestEngine(data, policy.NewNoopPolicy(), nil, nil).Run(ctx)
	if !IsCanceledError(err) {
		t.Fatalf("expected canceled error, got %v", err)
	}
}

func TestIngestionEngine_UnknownFrameTypeIsSkipped(t *testing.T) {
	data := newFrameStream(t, "thread-1").
		frame(map[string]any{"type": "heartbeat"}).
		event(types.EventTypeFinish, nil).
		bytes()
	c := metrics.NewCollector("noop", "none", "")

	engine := newTestEngine(data, policy.NewNoopPolicy(), nil, c)
	if err := engine.Run(t.Context()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, ok := engine.Terminal(); !ok {
		t.Error("terminal event after skipped frame was not seen")
	}
	if got := c.Snapshot().IPCDecodeErrors; got != 1 {
		t.Errorf("IPCDecodeErrors = %d, want 1", got)
	}
}

func TestIngestionEngine_ThreadResultFirstWins(t *testing.T) {
	data := newFrameStream(t, "thread-1").
		event(types.EventTypeFinish, nil).
		result(types.ThreadResultCompleted, "done").
		result(types.ThreadResultError, "late").
		bytes()

	engine := newTestEngine(data, policy.NewNoopPolicy(), nil, nil)
	if err := engine.Run(t.Context()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	result := engine.ThreadResult()
	if result == nil || result.Status != types.ThreadResultCompleted {
		t.Fatalf("ThreadResult = %+v, want completed", result)
	}
	if *result.Message != "done" {
		t.Errorf("Message = %q, want done", *result.Message)
	}
}

func TestIngestionEngine_TruncatedFrame(t *testing.T) {
	truncated := []byte{0, 0, 0, 10, 1, 2}

	t.Run("before terminal", func(t *testing.T) {
		data := newFrameStream(t, "thread-1").event(types.EventTypeStart, nil).raw(truncated).bytes()
		err := newTestEngine(data, policy.NewNoopPolicy(), nil, nil).Run(t.Context())
		if !IsStreamError(err) {
			t.Fatalf("expected stream error, got %v", err)
		}
	})

	t.Run("after terminal", func(t *testing.T) {
		data := newFrameStream(t, "thread-1").event(types.EventTypeFinish, nil).raw(truncated).bytes()
		if err := newTestEngine(data, policy.NewNoopPolicy(), nil, nil).Run(t.Context()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	})
}

func TestIngestionErrorKind_String(t *testing.T) {
	tests := map[IngestionErrorKind]string{
		IngestionErrorStream:   "stream",
		IngestionErrorPolicy:   "policy",
		IngestionErrorCanceled: "canceled",
		IngestionErrorEmit:     "emit",
		IngestionErrorKind(9):  "IngestionErrorKind(9)",
	}
	for kind, want := range tests {
		if got := kind.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
