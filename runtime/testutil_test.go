package runtime

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/pithecene-io/tributary/ipc"
	"github.com/pithecene-io/tributary/types"
)

// frameStream builds an engine stdout byte stream.
type frameStream struct {
	t        *testing.T
	buf      bytes.Buffer
	enc      *ipc.FrameEncoder
	threadID string
	seq      int64
}

func newFrameStream(t *testing.T, threadID string) *frameStream {
	t.Helper()
	s := &frameStream{t: t, threadID: threadID}
	s.enc = ipc.NewFrameEncoder(&s.buf)
	return s
}

// event appends an event frame with the next sequence number.
func (s *frameStream) event(typ types.EventType, fields map[string]any) *frameStream {
	s.seq++
	return s.eventAt(s.seq, typ, fields)
}

func (s *frameStream) eventAt(seq int64, typ types.EventType, fields map[string]any) *frameStream {
	return s.frame(&types.EventFrame{
		Type:            types.EventFrameType,
		ContractVersion: types.ContractVersion,
		ThreadID:        s.threadID,
		Seq:             seq,
		Event:           types.NewEvent(typ, fields),
	})
}

func (s *frameStream) result(status types.ThreadResultStatus, msg string) *frameStream {
	frame := &types.ThreadResultFrame{Type: types.ThreadResultFrameType, Status: status}
	if msg != "" {
		frame.Message = &msg
	}
	return s.frame(frame)
}

func (s *frameStream) frame(v any) *frameStream {
	s.t.Helper()
	if err := s.enc.WriteFrame(v); err != nil {
		s.t.Fatalf("write frame: %v", err)
	}
	return s
}

func (s *frameStream) raw(b []byte) *frameStream {
	s.buf.Write(b)
	return s
}

func (s *frameStream) bytes() []byte {
	return bytes.Clone(s.buf.Bytes())
}

// textTurn appends a complete single-text-part turn.
func (s *frameStream) textTurn(id string, deltas ...string) *frameStream {
	s.event(types.EventTypeStart, nil)
	s.event(types.EventTypeTextStart, map[string]any{"id": id})
	for _, d := range deltas {
		s.event(types.EventTypeTextDelta, map[string]any{"id": id, "delta": d})
	}
	s.event(types.EventTypeTextEnd, map[string]any{"id": id})
	return s.event(types.EventTypeFinish, nil)
}

// emitRecorder records live-emitted events.
type emitRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *emitRecorder) emit(ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *emitRecorder) all() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Event(nil), c.events...)
}

// fakeExecutor replays a fixed stdout.
type fakeExecutor struct {
	stdout   io.Reader
	exitCode int
	startErr error
	waitErr  error
	stderr   string

	mu       sync.Mutex
	started  bool
	killed   bool
	config   *ExecutorConfig
	onCancel func()
}

func (f *fakeExecutor) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	if f.onCancel != nil {
		go func() {
			<-ctx.Done()
			f.onCancel()
		}()
	}
	return nil
}

func (f *fakeExecutor) Stdout() io.Reader { return f.stdout }

func (f *fakeExecutor) Wait() (*ExecutorResult, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &ExecutorResult{ExitCode: f.exitCode, StderrBytes: []byte(f.stderr)}, nil
}

func (f *fakeExecutor) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeExecutor) factory() ExecutorFactory {
	return func(cfg *ExecutorConfig) Executor {
		f.config = cfg
		return f
	}
}
