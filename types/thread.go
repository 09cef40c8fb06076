package types

import (
	"errors"
	"time"
)

// ThreadMeta identifies one thread execution.
type ThreadMeta struct {
	// ThreadID is the canonical thread identifier.
	ThreadID string
	// Turn counts executions against the same thread, starting at 1.
	Turn int
}

// Validate checks the identity fields.
func (m *ThreadMeta) Validate() error {
	if m == nil || m.ThreadID == "" {
		return errors.New("thread_id must be non-empty")
	}
	if m.Turn < 1 {
		return errors.New("turn must be >= 1")
	}
	return nil
}

// OutcomeStatus is the final status of a thread execution.
type OutcomeStatus string

const (
	// OutcomeCompleted indicates the engine finished the turn.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeEngineError indicates the engine reported an error.
	OutcomeEngineError OutcomeStatus = "engine_error"
	// OutcomeCancelled indicates the turn was halted before completion.
	OutcomeCancelled OutcomeStatus = "cancelled"
	// OutcomeExecutorCrash indicates the engine process exited abnormally.
	OutcomeExecutorCrash OutcomeStatus = "executor_crash"
	// OutcomePolicyFailure indicates persistence failed.
	OutcomePolicyFailure OutcomeStatus = "policy_failure"
)

// ThreadOutcome is the final outcome of a thread execution.
type ThreadOutcome struct {
	Status  OutcomeStatus
	Message string
}

// ThreadJob is the request handed to the execution engine on stdin.
type ThreadJob struct {
	ThreadID string  `json:"thread_id"`
	Turn     int     `json:"turn"`
	Input    any     `json:"input,omitempty"`
	History  []Event `json:"history,omitempty"`
	Deadline string  `json:"deadline,omitempty"`
}

// FormatTimestamp renders t the way every persisted record does.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
