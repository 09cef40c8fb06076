// Package lifecycle starts, tracks and tears down background units of work.
//
// A Registry maps keys to running Tasks so that other parts of the process
// (a halt endpoint, a multiplexer cleanup path) can find and cancel them.
// A Scope ties one Task to the lifetime of a caller: acquire on entry,
// release on every exit path.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned by Unregister when the key is absent or is
// bound to a different task.
var ErrNotRegistered = errors.New("task not registered")

// ErrKeyInUse is returned by Reserve when a key is registered or already
// reserved.
var ErrKeyInUse = errors.New("key in use")

// Unit is a unit of background work. It must return when ctx is cancelled.
type Unit func(ctx context.Context) error

// Task is a Unit running in its own goroutine with its own cancel func.
type Task struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs unit in a new goroutine under a child of ctx.
// A panic in unit is recovered and reported through Err.
func Start(ctx context.Context, key string, unit Unit) *Task {
	t, ctx := newTask(ctx, key)
	go t.run(ctx, unit)
	return t
}

func newTask(parent context.Context, key string) (*Task, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Task{key: key, cancel: cancel, done: make(chan struct{})}, ctx
}

func (t *Task) run(ctx context.Context, unit Unit) {
	defer close(t.done)
	defer t.cancel()
	defer func() {
		if p := recover(); p != nil {
			t.err = fmt.Errorf("task %s: panic: %v", t.key, p)
		}
	}()
	t.err = unit(ctx)
}

// Key returns the key the task was started under.
func (t *Task) Key() string { return t.key }

// Done is closed when the unit has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the unit's error. Only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel requests the unit to stop. It does not wait.
func (t *Task) Cancel() { t.cancel() }

// finished reports whether the unit has returned.
func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Registry is a mutex-guarded key to task map.
type Registry struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	reserved map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task), reserved: make(map[string]bool)}
}

// Reserve claims keys for a caller that will register tasks under them
// later. Either every key is claimed or none is. A key is free when it is
// neither registered nor reserved. The returned func drops the claim and
// is safe to call more than once.
func (r *Registry) Reserve(keys ...string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range keys {
		if _, ok := r.tasks[k]; ok || r.reserved[k] {
			return nil, fmt.Errorf("reserve %s: %w", k, ErrKeyInUse)
		}
	}
	for _, k := range keys {
		r.reserved[k] = true
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			for _, k := range keys {
				delete(r.reserved, k)
			}
			r.mu.Unlock()
		})
	}, nil
}

// Register binds t under key, replacing any earlier binding.
func (r *Registry) Register(key string, t *Task) {
	r.mu.Lock()
	r.tasks[key] = t
	r.mu.Unlock()
}

// Unregister removes key only if it is still bound to t.
func (r *Registry) Unregister(key string, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tasks[key]
	if !ok || current != t {
		return fmt.Errorf("unregister %s: %w", key, ErrNotRegistered)
	}
	delete(r.tasks, key)
	return nil
}

// Cancel cancels the task bound to key. Reports whether one was found.
func (r *Registry) Cancel(key string) bool {
	t, ok := r.Get(key)
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

// Get returns the task bound to key.
func (r *Registry) Get(key string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	return t, ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CleanupDone removes every task whose unit has already returned and
// reports how many were removed.
func (r *Registry) CleanupDone() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k, t := range r.tasks {
		if t.finished() {
			delete(r.tasks, k)
			n++
		}
	}
	return n
}
