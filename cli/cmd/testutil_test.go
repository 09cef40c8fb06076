package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/ipc"
	"github.com/pithecene-io/tributary/runtime"
	"github.com/pithecene-io/tributary/types"
)

// frames builds an engine stdout stream for one thread.
type frames struct {
	t        *testing.T
	buf      bytes.Buffer
	enc      *ipc.FrameEncoder
	threadID string
	seq      int64
}

func newFrames(t *testing.T, threadID string) *frames {
	t.Helper()
	f := &frames{t: t, threadID: threadID}
	f.enc = ipc.NewFrameEncoder(&f.buf)
	return f
}

func (f *frames) event(typ types.EventType, fields map[string]any) *frames {
	f.t.Helper()
	f.seq++
	if err := f.enc.WriteFrame(&types.EventFrame{
		Type:            types.EventFrameType,
		ContractVersion: types.ContractVersion,
		ThreadID:        f.threadID,
		Seq:             f.seq,
		Event:           types.NewEvent(typ, fields),
	}); err != nil {
		f.t.Fatalf("write frame: %v", err)
	}
	return f
}

func (f *frames) result(status types.ThreadResultStatus) *frames {
	f.t.Helper()
	if err := f.enc.WriteFrame(&types.ThreadResultFrame{
		Type:   types.ThreadResultFrameType,
		Status: status,
	}); err != nil {
		f.t.Fatalf("write frame: %v", err)
	}
	return f
}

// textTurn appends a complete turn answering with one text part.
func (f *frames) textTurn(id string, deltas ...string) *frames {
	f.event(types.EventTypeStart, nil)
	f.event(types.EventTypeTextStart, map[string]any{"id": id})
	for _, d := range deltas {
		f.event(types.EventTypeTextDelta, map[string]any{"id": id, "delta": d})
	}
	f.event(types.EventTypeTextEnd, map[string]any{"id": id})
	return f.event(types.EventTypeFinish, nil).result(types.ThreadResultCompleted)
}

func (f *frames) bytes() []byte {
	return bytes.Clone(f.buf.Bytes())
}

// fakeEngine replays canned stdout for each started turn and records the
// jobs it was given.
type fakeEngine struct {
	mu       sync.Mutex
	stdout   [][]byte
	exitCode int
	jobs     []*types.ThreadJob
}

func (e *fakeEngine) factory() runtime.ExecutorFactory {
	return func(cfg *runtime.ExecutorConfig) runtime.Executor {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.jobs = append(e.jobs, cfg.Job)
		var out []byte
		if len(e.stdout) > 0 {
			out, e.stdout = e.stdout[0], e.stdout[1:]
		}
		return &fakeProcess{stdout: bytes.NewReader(out), exitCode: e.exitCode}
	}
}

func (e *fakeEngine) job(i int) *types.ThreadJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[i]
}

type fakeProcess struct {
	stdout   io.Reader
	exitCode int
}

func (p *fakeProcess) Start(context.Context) error { return nil }
func (p *fakeProcess) Stdout() io.Reader         { return p.stdout }
func (p *fakeProcess) Kill() error               { return nil }

func (p *fakeProcess) Wait() (*runtime.ExecutorResult, error) {
	return &runtime.ExecutorResult{ExitCode: p.exitCode}, nil
}

// testApp wraps commands in an app whose exits are returned, not taken.
func testApp(out io.Writer, commands ...*cli.Command) *cli.App {
	return &cli.App{
		Name:           "tributary",
		Writer:         out,
		ErrWriter:      io.Discard,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands:       commands,
	}
}

// codeOf extracts the exit code carried by a command error; nil is 0.
func codeOf(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var coder cli.ExitCoder
	if !errors.As(err, &coder) {
		t.Fatalf("error %v is not an exit coder", err)
	}
	return coder.ExitCode()
}

// writeConfig writes a YAML config into dir and returns its path.
func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "tributary.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// writeLog writes events as a JSONL thread log.
func writeLog(t *testing.T, path string, events ...types.Event) {
	t.Helper()
	var buf bytes.Buffer
	for _, ev := range events {
		line, err := ev.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
}
