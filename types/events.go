package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// ContractVersion is the event protocol version spoken on the executor pipe.
const ContractVersion = "0.1.0"

// EventType is the discriminator carried in every event's "type" field.
type EventType string

// Event type constants. Types not listed here are forwarded untouched.
const (
	EventTypeStart      EventType = "start"
	EventTypeFinish     EventType = "finish"
	EventTypeAbort      EventType = "abort"
	EventTypeStartStep  EventType = "start-step"
	EventTypeFinishStep EventType = "finish-step"

	EventTypeTextStart    EventType = "text-start"
	EventTypeTextDelta    EventType = "text-delta"
	EventTypeTextEnd      EventType = "text-end"
	EventTypeTextComplete EventType = "text-complete"

	EventTypeReasoningStart    EventType = "reasoning-start"
	EventTypeReasoningDelta    EventType = "reasoning-delta"
	EventTypeReasoningEnd      EventType = "reasoning-end"
	EventTypeReasoningComplete EventType = "reasoning-complete"

	EventTypeToolInputStart      EventType = "tool-input-start"
	EventTypeToolInputDelta      EventType = "tool-input-delta"
	EventTypeToolInputAvailable  EventType = "tool-input-available"
	EventTypeToolOutputAvailable EventType = "tool-output-available"
	EventTypeToolOutputError     EventType = "tool-output-error"
	EventTypeToolOutputDenied    EventType = "tool-output-denied"
	EventTypeToolApprovalRequest EventType = "tool-approval-request"

	EventTypeError        EventType = "error"
	EventTypeThreadStart  EventType = "data-thread-start"
	EventTypeThreadFinish EventType = "data-thread-finish"
	EventTypeMutation     EventType = "data-app-mutation"
	EventTypeBlueprint    EventType = "thread-blueprint"
)

// Field names used on the wire. Casing is the external contract and is
// independent of Go naming.
const (
	FieldType             = "type"
	FieldID               = "id"
	FieldDelta            = "delta"
	FieldContent          = "content"
	FieldProviderMetadata = "providerMetadata"
	FieldToolCallID       = "toolCallId"
	FieldToolName         = "toolName"
	FieldInput            = "input"
	FieldOutput           = "output"
	FieldDynamic          = "dynamic"
	FieldTitle            = "title"
	FieldProviderExecuted = "providerExecuted"
	FieldTransient        = "transient"
	FieldData             = "data"
	FieldThreadID         = "threadId"
	FieldErrorText        = "errorText"
	FieldTimestamp        = "timestamp"
)

// Kind groups event types by the role they play in the protocol.
type Kind int

const (
	// KindUnknown is any type this package does not recognize.
	KindUnknown Kind = iota
	// KindLifecycle marks message boundaries (start, finish, abort).
	KindLifecycle
	// KindStep marks step boundaries inside a message.
	KindStep
	// KindBoundary opens or closes a text or reasoning part.
	KindBoundary
	// KindDelta is an incremental content fragment.
	KindDelta
	// KindComplete is a condensed text or reasoning part.
	KindComplete
	// KindToolCall covers tool input events.
	KindToolCall
	// KindToolResult is a terminal tool outcome.
	KindToolResult
	// KindMutation is the state mutation envelope.
	KindMutation
	// KindThread marks a thread's start or finish in a multiplexed stream.
	KindThread
	// KindData is any other custom data-* event.
	KindData
	// KindError is an error report.
	KindError
	// KindBlueprint is the thread configuration header line.
	KindBlueprint
)

var kinds = map[EventType]Kind{
	EventTypeStart:               KindLifecycle,
	EventTypeFinish:              KindLifecycle,
	EventTypeAbort:               KindLifecycle,
	EventTypeStartStep:           KindStep,
	EventTypeFinishStep:          KindStep,
	EventTypeTextStart:           KindBoundary,
	EventTypeTextEnd:             KindBoundary,
	EventTypeReasoningStart:      KindBoundary,
	EventTypeReasoningEnd:        KindBoundary,
	EventTypeTextDelta:           KindDelta,
	EventTypeReasoningDelta:      KindDelta,
	EventTypeToolInputDelta:      KindDelta,
	EventTypeTextComplete:        KindComplete,
	EventTypeReasoningComplete:   KindComplete,
	EventTypeToolInputStart:      KindToolCall,
	EventTypeToolInputAvailable:  KindToolCall,
	EventTypeToolApprovalRequest: KindToolCall,
	EventTypeToolOutputAvailable: KindToolResult,
	EventTypeToolOutputError:     KindToolResult,
	EventTypeToolOutputDenied:    KindToolResult,
	EventTypeMutation:            KindMutation,
	EventTypeThreadStart:         KindThread,
	EventTypeThreadFinish:        KindThread,
	EventTypeError:               KindError,
	EventTypeBlueprint:           KindBlueprint,
}

// Classify returns the kind of an event type.
func Classify(t EventType) Kind {
	if k, ok := kinds[t]; ok {
		return k
	}
	if t.IsData() {
		return KindData
	}
	return KindUnknown
}

// IsDelta reports whether the type carries incremental content.
func (t EventType) IsDelta() bool {
	return Classify(t) == KindDelta
}

// IsData reports whether the type is a custom data-* event.
func (t EventType) IsData() bool {
	return strings.HasPrefix(string(t), "data-")
}

// IsTerminal reports whether the type ends an execution stream.
func (t EventType) IsTerminal() bool {
	return t == EventTypeFinish || t == EventTypeAbort
}

// ErrMissingType is returned when decoding a record without a string "type".
var ErrMissingType = errors.New("event has no type")

// Event is one self-describing protocol record: a type discriminator plus
// type-specific fields keyed by their wire names. Events are values; the
// With/Without helpers copy before modifying.
type Event struct {
	Type   EventType
	Fields map[string]any
}

// NewEvent builds an event, copying fields.
func NewEvent(t EventType, fields map[string]any) Event {
	out := Event{Type: t, Fields: make(map[string]any, len(fields))}
	maps.Copy(out.Fields, fields)
	delete(out.Fields, FieldType)
	return out
}

// FromMap builds an event from a flattened record such as a decoded JSON
// object. The record must carry a non-empty string "type".
func FromMap(m map[string]any) (Event, error) {
	t, _ := m[FieldType].(string)
	if t == "" {
		return Event{}, ErrMissingType
	}
	return NewEvent(EventType(t), m), nil
}

// Get returns a field value.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Has reports whether the field is present.
func (e Event) Has(key string) bool {
	_, ok := e.Fields[key]
	return ok
}

// StringField returns a string field, or "" when absent or not a string.
func (e Event) StringField(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// BoolField returns a boolean field, or false when absent or not a bool.
func (e Event) BoolField(key string) bool {
	b, _ := e.Fields[key].(bool)
	return b
}

// ObjectField returns a nested object field, or nil.
func (e Event) ObjectField(key string) map[string]any {
	return asObject(e.Fields[key])
}

// ID returns the part identifier of text and reasoning events.
func (e Event) ID() string { return e.StringField(FieldID) }

// ToolCallID returns the tool call identifier of tool events.
func (e Event) ToolCallID() string { return e.StringField(FieldToolCallID) }

// ThreadID returns the thread annotation, if any.
func (e Event) ThreadID() string { return e.StringField(FieldThreadID) }

// Clone returns a shallow copy that can be modified independently.
func (e Event) Clone() Event {
	return NewEvent(e.Type, e.Fields)
}

// With returns a copy of e with key set to v.
func (e Event) With(key string, v any) Event {
	out := e.Clone()
	out.Fields[key] = v
	return out
}

// Without returns a copy of e with key removed.
func (e Event) Without(key string) Event {
	out := e.Clone()
	delete(out.Fields, key)
	return out
}

// Flatten returns the wire form: fields plus "type".
func (e Event) Flatten() map[string]any {
	m := make(map[string]any, len(e.Fields)+1)
	maps.Copy(m, e.Fields)
	m[FieldType] = string(e.Type)
	return m
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(e.Flatten())
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	ev, err := FromMap(m)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (e Event) EncodeMsgpack(enc *msgpack.Encoder) error {
	if e.Type == "" {
		return ErrMissingType
	}
	return enc.Encode(e.Flatten())
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (e *Event) DecodeMsgpack(dec *msgpack.Decoder) error {
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	ev, err := FromMap(m)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// asObject normalizes nested objects decoded by either codec.
func asObject(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out
	default:
		return nil
	}
}

// AsObject is asObject for callers outside this package.
func AsObject(v any) map[string]any { return asObject(v) }

var (
	_ msgpack.CustomEncoder = Event{}
	_ msgpack.CustomDecoder = (*Event)(nil)
)
