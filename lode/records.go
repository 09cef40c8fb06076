package lode

import (
	"encoding/json"
	"time"

	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/types"
)

// Record kinds stored in the dataset. Every record carries one in its
// record_kind field.
const (
	RecordKindEvent   = "event"
	RecordKindMetrics = "metrics"
)

// Partition keys, in layout order.
const (
	PartitionThreadID  = "thread_id"
	PartitionDay       = "day"
	PartitionEventType = "event_type"
)

// MetricsEventType is the event_type partition value of metrics records.
const MetricsEventType = "metrics"

// processThreadID is the thread_id partition of records that belong to the
// process rather than a single thread.
const processThreadID = "_process"

// EventRecord documents the stored shape of one condensed event. Records
// are written as maps; this struct is the schema reference.
type EventRecord struct {
	RecordKind string         `json:"record_kind"`
	ThreadID   string         `json:"thread_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Ts         string         `json:"ts"`
	Event      map[string]any `json:"event"`

	// Partition keys
	Day       string `json:"day"`
	EventType string `json:"event_type"`
}

// toEventRecordMap converts one event to a dataset record.
// HiveLayout requires records as map[string]any.
func toEventRecordMap(threadID string, seq int64, ev types.Event, day string, now time.Time) map[string]any {
	ts := ev.StringField(types.FieldTimestamp)
	if ts == "" {
		ts = types.FormatTimestamp(now)
	}
	return map[string]any{
		"record_kind":      RecordKindEvent,
		"thread_id":        threadID,
		"seq":              seq,
		"type":             string(ev.Type),
		"ts":               ts,
		"event":            ev.Flatten(),
		PartitionDay:       day,
		PartitionEventType: string(ev.Type),
	}
}

// toMetricsRecordMap converts a collector snapshot to a dataset record.
func toMetricsRecordMap(snap metrics.Snapshot, day string, at time.Time) map[string]any {
	m := map[string]any{
		"record_kind":        RecordKindMetrics,
		"ts":                 types.FormatTimestamp(at),
		PartitionThreadID:    processThreadID,
		PartitionDay:         day,
		PartitionEventType:   MetricsEventType,
		"policy":             snap.Policy,
		"storage_backend":    snap.StorageBackend,
		"threads_started":    snap.ThreadsStarted,
		"threads_completed":  snap.ThreadsCompleted,
		"threads_failed":     snap.ThreadsFailed,
		"threads_cancelled":  snap.ThreadsCancelled,
		"raw_events":         snap.RawEventsReceived,
		"events_condensed":   snap.EventsCondensed,
		"events_filtered":    snap.EventsFiltered,
		"deltas_dropped":     snap.DeltasDropped,
		"events_persisted":   snap.EventsPersisted,
		"executor_launches":  snap.ExecutorLaunchSuccess,
		"executor_failures":  snap.ExecutorLaunchFailure,
		"executor_crashes":   snap.ExecutorCrash,
		"ipc_decode_errors":  snap.IPCDecodeErrors,
		"sink_write_success": snap.SinkWriteSuccess,
		"sink_write_failure": snap.SinkWriteFailure,
		"mutations_applied":  snap.MutationsApplied,
		"mutations_skipped":  snap.MutationsSkipped,
		"mutations_failed":   snap.MutationsFailed,
		"validations_passed": snap.ValidationsPassed,
		"validations_failed": snap.ValidationsFailed,
		"streams_opened":     snap.StreamsOpened,
		"frames_emitted":     snap.FramesEmitted,
		"source_errors":      snap.SourceErrors,
		"cleanup_timeouts":   snap.CleanupTimeouts,
	}
	if snap.Instance != "" {
		m["instance"] = snap.Instance
	}
	return m
}

// eventFromRecord recovers the event stored in an event record.
func eventFromRecord(record map[string]any) (types.Event, error) {
	body := types.AsObject(record["event"])
	if body == nil {
		return types.Event{}, types.ErrMissingType
	}
	return types.FromMap(body)
}

// recordInt64 reads a numeric record field. JSONL round trips decode
// numbers as float64; in-process records keep int64.
func recordInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// recordString reads a string record field, or "".
func recordString(v any) string {
	s, _ := v.(string)
	return s
}
