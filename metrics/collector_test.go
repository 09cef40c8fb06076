package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("strict", "jsonl", "node-1")

	c.IncThreadStarted()
	c.IncThreadStarted()
	c.IncThreadCompleted()
	c.IncThreadFailed()
	c.IncThreadCancelled()
	c.IncExecutorLaunchSuccess()
	c.IncExecutorLaunchFailure()
	c.IncExecutorCrash()
	c.IncIPCDecodeErrors()
	c.IncSinkWriteSuccess()
	c.IncSinkWriteSuccess()
	c.IncSinkWriteFailure()
	c.IncStreamsOpened()
	c.IncFramesEmitted()
	c.IncFramesEmitted()
	c.IncFramesEmitted()
	c.IncSourceErrors()
	c.IncCleanupTimeouts()

	s := c.Snapshot()

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"ThreadsStarted", s.ThreadsStarted, 2},
		{"ThreadsCompleted", s.ThreadsCompleted, 1},
		{"ThreadsFailed", s.ThreadsFailed, 1},
		{"ThreadsCancelled", s.ThreadsCancelled, 1},
		{"ExecutorLaunchSuccess", s.ExecutorLaunchSuccess, 1},
		{"ExecutorLaunchFailure", s.ExecutorLaunchFailure, 1},
		{"ExecutorCrash", s.ExecutorCrash, 1},
		{"IPCDecodeErrors", s.IPCDecodeErrors, 1},
		{"SinkWriteSuccess", s.SinkWriteSuccess, 2},
		{"SinkWriteFailure", s.SinkWriteFailure, 1},
		{"StreamsOpened", s.StreamsOpened, 1},
		{"FramesEmitted", s.FramesEmitted, 3},
		{"SourceErrors", s.SourceErrors, 1},
		{"CleanupTimeouts", s.CleanupTimeouts, 1},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, tc.got, tc.want)
		}
	}

	if s.Policy != "strict" || s.StorageBackend != "jsonl" || s.Instance != "node-1" {
		t.Errorf("unexpected dimensions: %+v", s)
	}
}

func TestCollector_Absorb(t *testing.T) {
	c := NewCollector("streaming", "sqlite", "")

	c.AbsorbIngestion(100, 10, 5, 2)
	c.AbsorbIngestion(50, 4, 1, 0)
	c.AbsorbPersisted(14)
	c.AddMutations(3, 1, 1)
	c.IncValidation(true)
	c.IncValidation(false)

	s := c.Snapshot()
	if s.RawEventsReceived != 150 || s.EventsCondensed != 14 || s.EventsFiltered != 6 || s.DeltasDropped != 2 {
		t.Errorf("unexpected ingestion totals: %+v", s)
	}
	if s.EventsPersisted != 14 {
		t.Errorf("EventsPersisted = %d, want 14", s.EventsPersisted)
	}
	if s.MutationsApplied != 3 || s.MutationsSkipped != 1 || s.MutationsFailed != 1 {
		t.Errorf("unexpected mutation totals: %+v", s)
	}
	if s.ValidationsPassed != 1 || s.ValidationsFailed != 1 {
		t.Errorf("unexpected validation totals: %+v", s)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.IncThreadStarted()
	c.AbsorbIngestion(1, 1, 1, 1)
	c.AddMutations(1, 1, 1)
	if s := c.Snapshot(); s.ThreadsStarted != 0 {
		t.Errorf("nil collector snapshot should be zero, got %+v", s)
	}
}

func TestCollector_SnapshotIsImmutable(t *testing.T) {
	c := NewCollector("strict", "jsonl", "")
	c.IncFramesEmitted()
	snap := c.Snapshot()
	c.IncFramesEmitted()

	if snap.FramesEmitted != 1 {
		t.Errorf("snapshot changed after further increments: %d", snap.FramesEmitted)
	}
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := NewCollector("strict", "jsonl", "")
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncFramesEmitted()
			c.IncSinkWriteSuccess()
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.FramesEmitted != 50 || s.SinkWriteSuccess != 50 {
		t.Errorf("lost increments: frames=%d writes=%d", s.FramesEmitted, s.SinkWriteSuccess)
	}
}
