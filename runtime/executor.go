package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/pithecene-io/tributary/types"
)

// maxStderrCapture bounds how much engine stderr is kept for diagnostics.
const maxStderrCapture = 64 * 1024

// ExecutorConfig configures the execution engine process.
type ExecutorConfig struct {
	// Command is the engine binary.
	Command string
	// Args are passed to the engine unchanged.
	Args []string
	// Env entries (KEY=VALUE) are added to the inherited environment and
	// override inherited keys.
	Env []string
	// Dir is the working directory. Empty inherits the runtime's.
	Dir string
	// Job is written to the engine's stdin as one JSON document.
	Job *types.ThreadJob
}

// ExecutorResult represents the result of an engine execution.
type ExecutorResult struct {
	// ExitCode is the process exit code, -1 when killed by a signal.
	ExitCode int
	// StderrBytes is the captured stderr output, truncated to the last
	// 64 KiB.
	StderrBytes []byte
}

// ExecutorManager manages the engine process lifecycle.
//
// The engine reads the thread job from stdin, writes msgpack frames to
// stdout and diagnostics to stderr.
type ExecutorManager struct {
	config *ExecutorConfig
	cmd    *exec.Cmd
	stdout io.ReadCloser

	stderrDone chan struct{}
	stderrMu   sync.Mutex
	stderr     tailBuffer
}

// NewExecutorManager creates a new executor manager.
func NewExecutorManager(config *ExecutorConfig) *ExecutorManager {
	return &ExecutorManager{config: config}
}

// Start launches the engine and hands it the job.
// The process is bound to ctx and killed when ctx is cancelled.
func (m *ExecutorManager) Start(ctx context.Context) error {
	if m.config.Command == "" {
		return errors.New("engine command is not configured")
	}
	if m.config.Job == nil {
		return errors.New("thread job is required")
	}

	m.cmd = exec.CommandContext(ctx, m.config.Command, m.config.Args...)
	m.cmd.Dir = m.config.Dir
	m.cmd.Env = buildEnv(os.Environ(), m.config.Env, m.config.Job)

	stdin, err := m.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	m.stdout, err = m.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := m.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Drain stderr concurrently so a chatty engine cannot block on a full
	// pipe while stdout is being read.
	m.stderrDone = make(chan struct{})
	go func() {
		defer close(m.stderrDone)
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				m.stderrMu.Lock()
				m.stderr.Write(buf[:n])
				m.stderrMu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	if err := json.NewEncoder(stdin).Encode(m.config.Job); err != nil {
		_ = m.Kill()
		return fmt.Errorf("failed to write job: %w", err)
	}
	// Closing stdin signals the job is complete.
	if err := stdin.Close(); err != nil {
		_ = m.Kill()
		return fmt.Errorf("failed to close stdin: %w", err)
	}

	return nil
}

// Stdout returns the frame stream.
func (m *ExecutorManager) Stdout() io.Reader {
	return m.stdout
}

// Wait waits for the engine to exit. Must be called after Start and after
// stdout has been fully consumed: Wait closes the pipes.
func (m *ExecutorManager) Wait() (*ExecutorResult, error) {
	if m.cmd == nil {
		return nil, errors.New("engine not started")
	}

	if m.stderrDone != nil {
		<-m.stderrDone
	}
	err := m.cmd.Wait()

	m.stderrMu.Lock()
	result := &ExecutorResult{StderrBytes: m.stderr.Bytes()}
	m.stderrMu.Unlock()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("engine wait failed: %w", err)
		}
		result.ExitCode = -1
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			result.ExitCode = status.ExitStatus()
		}
	}
	return result, nil
}

// Kill terminates the engine process.
func (m *ExecutorManager) Kill() error {
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Kill()
	}
	return nil
}

// Environment variables every engine process receives.
const (
	EnvThreadID = "TRIBUTARY_THREAD_ID"
	EnvTurn     = "TRIBUTARY_TURN"
)

// buildEnv layers configured entries and thread identity over the
// inherited environment.
func buildEnv(base, extra []string, job *types.ThreadJob) []string {
	env := make([]string, 0, len(base)+len(extra)+2)
	env = append(env, base...)
	env = append(env, extra...)
	env = append(env,
		EnvThreadID+"="+job.ThreadID,
		fmt.Sprintf("%s=%d", EnvTurn, job.Turn),
	)
	return deduplicateEnv(env)
}

// deduplicateEnv keeps the last occurrence of each key, so later layers
// win over inherited values.
func deduplicateEnv(env []string) []string {
	last := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		last[key] = i
	}
	result := make([]string, 0, len(last))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if last[key] == i {
			result = append(result, entry)
		}
	}
	return result
}

// tailBuffer keeps the last maxStderrCapture bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) {
	t.buf.Write(p)
	if over := t.buf.Len() - maxStderrCapture; over > 0 {
		t.buf.Next(over)
	}
}

func (t *tailBuffer) Bytes() []byte {
	return bytes.Clone(t.buf.Bytes())
}
