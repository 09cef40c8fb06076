package types

import (
	"errors"
	"strings"
)

// SourceSeparator splits a mutation source into component type and instance.
const SourceSeparator = ":"

// Mutation is a state change addressed to a component by source key.
// Payload is opaque to everything but the target component.
type Mutation struct {
	Source  string
	Payload any
}

// ErrNotMutation is returned when an event is not a mutation envelope.
var ErrNotMutation = errors.New("event is not a mutation envelope")

// ErrMissingSource is returned when a mutation envelope has no source.
var ErrMissingSource = errors.New("mutation envelope has no source")

// Prefix returns the component type portion of the source key, i.e. the
// text before the first separator, or the whole source when there is none.
func (m Mutation) Prefix() string {
	prefix, _, _ := strings.Cut(m.Source, SourceSeparator)
	return prefix
}

// Event wraps the mutation in its envelope event.
func (m Mutation) Event() Event {
	return NewEvent(EventTypeMutation, map[string]any{
		FieldData: map[string]any{
			"source":  m.Source,
			"payload": m.Payload,
		},
	})
}

// MutationFromEvent extracts the mutation carried by an envelope event.
func MutationFromEvent(e Event) (Mutation, error) {
	if e.Type != EventTypeMutation {
		return Mutation{}, ErrNotMutation
	}
	data := e.ObjectField(FieldData)
	source, _ := data["source"].(string)
	if source == "" {
		return Mutation{}, ErrMissingSource
	}
	return Mutation{Source: source, Payload: data["payload"]}, nil
}
