package replay

import (
	"fmt"
	"maps"
	"sync"

	"github.com/pithecene-io/tributary/types"
)

// SnapshotComponent is a generic component that folds object payloads into
// a per-instance state map. A payload may name its instance under
// "instance"; payloads without one land under the prefix itself.
//
// Inspection tooling uses it to show what a thread's components would look
// like after replay without linking the real components in.
type SnapshotComponent struct {
	prefix string

	mu     sync.Mutex
	state  map[string]map[string]any
	counts map[string]int
}

// NewSnapshotComponent creates a snapshot for one prefix.
func NewSnapshotComponent(prefix string) *SnapshotComponent {
	return &SnapshotComponent{
		prefix: prefix,
		state:  make(map[string]map[string]any),
		counts: make(map[string]int),
	}
}

// EventSourcePrefix implements Component.
func (s *SnapshotComponent) EventSourcePrefix() string {
	return s.prefix
}

// ApplyMutation merges an object payload into the instance state. A payload
// with "op": "reset" clears the instance first. Non-object payloads are
// rejected.
func (s *SnapshotComponent) ApplyMutation(payload any) error {
	obj := types.AsObject(payload)
	if obj == nil {
		return fmt.Errorf("%s: payload must be an object, got %T", s.prefix, payload)
	}

	instance := s.prefix
	if id, ok := obj["instance"].(string); ok && id != "" {
		instance = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if op, _ := obj["op"].(string); op == "reset" {
		delete(s.state, instance)
	}
	current, ok := s.state[instance]
	if !ok {
		current = make(map[string]any)
		s.state[instance] = current
	}
	for k, v := range obj {
		if k == "op" || k == "instance" {
			continue
		}
		current[k] = v
	}
	s.counts[instance]++
	return nil
}

// State returns a copy of the folded state keyed by instance.
func (s *SnapshotComponent) State() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]any, len(s.state))
	for k, v := range s.state {
		out[k] = maps.Clone(v)
	}
	return out
}

// Applied returns how many mutations each instance received.
func (s *SnapshotComponent) Applied() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.counts)
}

var _ Component = (*SnapshotComponent)(nil)
