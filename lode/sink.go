// Package lode persists condensed thread events into a Lode dataset.
//
// Records are Hive-partitioned by thread_id, day and event_type. Each
// event record carries the full event under "event" plus its thread-local
// sequence number, so a thread can be read back in order from any backend
// (filesystem, memory or S3).
package lode

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/types"
)

// DefaultDataset is the dataset id used when none is configured.
const DefaultDataset = "tributary"

// DeriveDay computes the partition day: YYYY-MM-DD in UTC.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Config holds Lode client configuration.
type Config struct {
	// Dataset is the Lode dataset ID. Empty means DefaultDataset.
	Dataset string
	// Day pins the day partition. Empty derives it from the write time.
	Day string
}

func (c Config) dataset() string {
	if c.Dataset == "" {
		return DefaultDataset
	}
	return c.Dataset
}

// Client abstracts the Lode storage client.
type Client interface {
	// WriteEvents writes a batch of one thread's events. The i-th event is
	// stored with sequence number firstSeq+i. Ordering within the batch
	// must be preserved.
	WriteEvents(ctx context.Context, threadID string, firstSeq int64, events []types.Event) error

	// WriteMetrics writes a collector snapshot as a metrics record.
	WriteMetrics(ctx context.Context, snap metrics.Snapshot, at time.Time) error

	// Close releases client resources.
	Close() error
}

// Sink adapts a Client to policy.Sink for a single thread, assigning
// monotonically increasing sequence numbers starting at 1.
type Sink struct {
	threadID string
	client   Client

	mu      sync.Mutex
	nextSeq int64
}

// NewSink creates a sink for threadID. The first event written gets seq 1.
func NewSink(threadID string, client Client) *Sink {
	return NewSinkFrom(threadID, client, 1)
}

// NewSinkFrom creates a sink whose first event gets nextSeq. Use it to
// continue a thread that already has stored events.
func NewSinkFrom(threadID string, client Client, nextSeq int64) *Sink {
	if nextSeq < 1 {
		nextSeq = 1
	}
	return &Sink{threadID: threadID, client: client, nextSeq: nextSeq}
}

// WriteEvents implements policy.Sink. Sequence numbers only advance when
// the write succeeds, so a retried batch reuses them.
func (s *Sink) WriteEvents(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.WriteEvents(ctx, s.threadID, s.nextSeq, events); err != nil {
		return err
	}
	s.nextSeq += int64(len(events))
	return nil
}

// NextSeq returns the sequence number the next event will get.
func (s *Sink) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Close implements policy.Sink. The client is shared between threads and
// is closed by its owner, not here.
func (s *Sink) Close() error {
	return nil
}

var _ policy.Sink = (*Sink)(nil)

// StubClient records writes without persisting.
type StubClient struct {
	mu      sync.Mutex
	Events  []StubEventRecord
	Metrics []metrics.Snapshot
	Closed  bool
	// ErrorOnWrite, when set, is returned by WriteEvents.
	ErrorOnWrite error
}

// StubEventRecord is one recorded WriteEvents call.
type StubEventRecord struct {
	ThreadID string
	FirstSeq int64
	Events   []types.Event
}

// NewStubClient creates a new stub client.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// WriteEvents implements Client.
func (c *StubClient) WriteEvents(_ context.Context, threadID string, firstSeq int64, events []types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrorOnWrite != nil {
		return c.ErrorOnWrite
	}
	c.Events = append(c.Events, StubEventRecord{
		ThreadID: threadID,
		FirstSeq: firstSeq,
		Events:   append([]types.Event(nil), events...),
	})
	return nil
}

// WriteMetrics implements Client.
func (c *StubClient) WriteMetrics(_ context.Context, snap metrics.Snapshot, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Metrics = append(c.Metrics, snap)
	return nil
}

// Close implements Client.
func (c *StubClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

var _ Client = (*StubClient)(nil)
