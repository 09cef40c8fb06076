package lode

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/tributary/types"
)

// ErrThreadNotFound is returned when a dataset holds no events for a thread.
var ErrThreadNotFound = errors.New("thread not found in dataset")

// NewReadDataset opens a dataset for reading, with the same codec and
// layout as the write path.
func NewReadDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := newDataset(dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, dataset)
	}
	return ds, nil
}

// NewReadDatasetFS opens a read dataset with filesystem storage.
func NewReadDatasetFS(dataset, rootPath string) (lode.Dataset, error) {
	return NewReadDataset(dataset, lode.NewFSFactory(rootPath))
}

// NewReadDatasetS3 opens a read dataset with S3 storage.
func NewReadDatasetS3(ctx context.Context, dataset string, s3cfg S3Config) (lode.Dataset, error) {
	factory, err := NewS3Factory(ctx, s3cfg)
	if err != nil {
		return nil, err
	}
	return NewReadDataset(dataset, factory)
}

type seqEvent struct {
	seq int64
	ev  types.Event
}

// ReadThread reads every stored event of threadID, ordered by seq.
// A seq seen in more than one snapshot is returned once.
func ReadThread(ctx context.Context, ds lode.Dataset, threadID string) ([]types.Event, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, threadID)
	}

	seen := make(map[int64]struct{})
	var collected []seqEvent
	for _, snap := range snapshots {
		if isMetricsSnapshot(snap) || !snapshotMatchesFilter(snap, PartitionThreadID, threadID) {
			continue
		}
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", threadID, snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindEvent {
				continue
			}
			if recordString(record["thread_id"]) != threadID {
				continue
			}
			seq := recordInt64(record["seq"])
			if _, dup := seen[seq]; dup {
				continue
			}
			ev, err := eventFromRecord(record)
			if err != nil {
				return nil, WrapReadError(fmt.Errorf("seq %d: %w", seq, err), threadID)
			}
			seen[seq] = struct{}{}
			collected = append(collected, seqEvent{seq: seq, ev: ev})
		}
	}

	if len(collected) == 0 {
		return nil, ErrThreadNotFound
	}
	slices.SortFunc(collected, func(a, b seqEvent) int { return cmp.Compare(a.seq, b.seq) })

	events := make([]types.Event, len(collected))
	for i, c := range collected {
		events[i] = c.ev
	}
	return events, nil
}

// isMetricsSnapshot reports whether a snapshot holds the metrics partition.
func isMetricsSnapshot(snap *lode.Snapshot) bool {
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, PartitionEventType, MetricsEventType) {
			return true
		}
	}
	return false
}

// snapshotMatchesFilter reports whether any file of the snapshot lies in
// the key=value partition. An empty value matches everything.
func snapshotMatchesFilter(snap *lode.Snapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks for an exact key=value path segment, so
// thread_id=t-1 does not match thread_id=t-10.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for part := range strings.SplitSeq(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}
