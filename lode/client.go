package lode

import (
	"context"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/types"
)

// LodeClient is the Lode-backed Client.
// Records use HiveLayout with partition keys thread_id/day/event_type.
type LodeClient struct {
	dataset lode.Dataset
	config  Config
	now     func() time.Time
}

// NewLodeClient creates a client with filesystem storage rooted at root.
func NewLodeClient(cfg Config, root string) (*LodeClient, error) {
	return NewLodeClientWithFactory(cfg, lode.NewFSFactory(root))
}

// NewLodeClientWithFactory creates a client with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewLodeClientWithFactory(cfg Config, factory lode.StoreFactory) (*LodeClient, error) {
	ds, err := newDataset(cfg.dataset(), factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.dataset())
	}
	return newClient(ds, cfg), nil
}

func newClient(ds lode.Dataset, cfg Config) *LodeClient {
	return &LodeClient{dataset: ds, config: cfg, now: time.Now}
}

// newDataset opens a dataset with the shared layout and codec. The read
// and write paths must agree on both.
func newDataset(id string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(id),
		factory,
		lode.WithHiveLayout(PartitionThreadID, PartitionDay, PartitionEventType),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

func (c *LodeClient) day(now time.Time) string {
	if c.config.Day != "" {
		return c.config.Day
	}
	return DeriveDay(now)
}

// WriteEvents writes a batch of one thread's events as a single snapshot.
func (c *LodeClient) WriteEvents(ctx context.Context, threadID string, firstSeq int64, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := c.now()
	day := c.day(now)

	records := make([]any, 0, len(events))
	for i, ev := range events {
		records = append(records, toEventRecordMap(threadID, firstSeq+int64(i), ev, day, now))
	}

	if _, err := c.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return WrapWriteError(err, threadID)
	}
	return nil
}

// WriteMetrics writes a collector snapshot under event_type=metrics.
func (c *LodeClient) WriteMetrics(ctx context.Context, snap metrics.Snapshot, at time.Time) error {
	record := toMetricsRecordMap(snap, c.day(at), at)
	if _, err := c.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, MetricsEventType)
	}
	return nil
}

// Dataset returns the underlying dataset, for reading back what was
// written through this client.
func (c *LodeClient) Dataset() lode.Dataset {
	return c.dataset
}

// Close releases client resources. Datasets hold no open handles.
func (c *LodeClient) Close() error {
	return nil
}

var _ Client = (*LodeClient)(nil)
