package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
)

// DefaultCleanupTimeout bounds how long Release waits for a cancelled unit.
const DefaultCleanupTimeout = time.Second

// Scope acquires and releases registered tasks.
// Logger and Collector are optional.
type Scope struct {
	Registry       *Registry
	CleanupTimeout time.Duration
	Logger         *log.Logger
	Collector      *metrics.Collector
}

// NewScope creates a scope over registry with the default cleanup timeout.
func NewScope(registry *Registry, logger *log.Logger) *Scope {
	return &Scope{
		Registry:       registry,
		CleanupTimeout: DefaultCleanupTimeout,
		Logger:         logger,
	}
}

func (s *Scope) timeout() time.Duration {
	if s.CleanupTimeout <= 0 {
		return DefaultCleanupTimeout
	}
	return s.CleanupTimeout
}

// Guard is the caller's handle on an acquired task.
type Guard struct {
	scope *Scope
	key   string
	task  *Task
	once  sync.Once
}

// Acquire starts unit under key and registers it.
// The caller must call Release on every exit path.
func (s *Scope) Acquire(ctx context.Context, key string, unit Unit) *Guard {
	t, ctx := newTask(ctx, key)
	s.Registry.Register(key, t)
	go t.run(ctx, unit)
	return &Guard{scope: s, key: key, task: t}
}

// Run acquires unit under key, waits for it and releases it. The unit's
// error is returned unchanged, and key is no longer registered by the time
// Run returns.
func (s *Scope) Run(ctx context.Context, key string, unit Unit) error {
	g := s.Acquire(ctx, key, unit)
	defer g.Release()
	return g.Wait(ctx)
}

// Key returns the registry key.
func (g *Guard) Key() string { return g.key }

// Task returns the underlying task.
func (g *Guard) Task() *Task { return g.task }

// Done is closed when the unit has returned.
func (g *Guard) Done() <-chan struct{} { return g.task.Done() }

// Cancel requests the unit to stop without releasing it.
func (g *Guard) Cancel() { g.task.Cancel() }

// Wait blocks until the unit returns or ctx is done.
func (g *Guard) Wait(ctx context.Context) error {
	select {
	case <-g.task.Done():
		return g.task.Err()
	case <-ctx.Done():
		// The unit runs under a child of the acquiring context and usually
		// finishes right behind it; prefer its own error when it has.
		select {
		case <-g.task.Done():
			return g.task.Err()
		default:
			return ctx.Err()
		}
	}
}

// Release unregisters the task, then cancels it and waits up to the
// scope's cleanup timeout. Safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(g.release)
}

func (g *Guard) release() {
	s := g.scope
	fields := map[string]any{"key": g.key}

	if err := s.Registry.Unregister(g.key, g.task); err != nil {
		s.Logger.Debug("task already unregistered", fields)
	}

	if !g.task.finished() {
		g.task.Cancel()
		timer := time.NewTimer(s.timeout())
		defer timer.Stop()

		select {
		case <-g.task.Done():
		case <-timer.C:
			s.Collector.IncCleanupTimeouts()
			s.Logger.Warn("task did not stop within cleanup timeout", map[string]any{
				"key":     g.key,
				"timeout": s.timeout().String(),
			})
			return
		}
	}

	if err := g.task.Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.Logger.Warn("task finished with error", map[string]any{
			"key":   g.key,
			"error": err.Error(),
		})
	}
}
