// Package types defines core domain types for the tributary event engine.
//
//nolint:revive // types is a common Go package naming convention
package types

// Frame type discriminants on the executor pipe.
const (
	// EventFrameType tags a frame carrying one raw protocol event.
	EventFrameType = "event"
	// ThreadResultFrameType tags the control frame sent once after the
	// execution engine has finished a thread.
	ThreadResultFrameType = "thread_result"
)

// EventFrame carries one raw event from the execution engine.
// Seq is strictly monotonic per thread, starting at 1.
type EventFrame struct {
	// Type is always "event".
	Type string `msgpack:"type"`
	// ContractVersion is the protocol version the engine speaks.
	ContractVersion string `msgpack:"contract_version"`
	// ThreadID identifies the thread the event belongs to.
	ThreadID string `msgpack:"thread_id"`
	// Seq is the per-thread sequence number.
	Seq int64 `msgpack:"seq"`
	// Event is the raw protocol event.
	Event Event `msgpack:"event"`
}

// ThreadResultStatus is the engine-reported thread status.
type ThreadResultStatus string

const (
	// ThreadResultCompleted indicates the engine finished the turn.
	ThreadResultCompleted ThreadResultStatus = "completed"
	// ThreadResultError indicates the engine failed the turn.
	ThreadResultError ThreadResultStatus = "error"
	// ThreadResultAborted indicates the engine stopped early on request.
	ThreadResultAborted ThreadResultStatus = "aborted"
)

// ThreadResultFrame is a control frame, not an event, and does not
// affect seq ordering.
type ThreadResultFrame struct {
	// Type is always "thread_result".
	Type string `msgpack:"type"`
	// Status is the outcome status.
	Status ThreadResultStatus `msgpack:"status" json:"status"`
	// Message is a human-readable description.
	Message *string `msgpack:"message,omitempty" json:"message,omitempty"`
	// Usage carries token accounting reported by the engine, if any.
	Usage map[string]any `msgpack:"usage,omitempty" json:"usage,omitempty"`
}
