// Package metrics provides process-wide counters for the event engine.
//
// The Collector is a leaf package with no internal dependencies. Component
// statistics (condenser, policy) are absorbed at thread completion rather
// than recorded live, avoiding double counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Thread lifecycle
	ThreadsStarted   int64
	ThreadsCompleted int64
	ThreadsFailed    int64
	ThreadsCancelled int64

	// Ingestion (absorbed at thread completion)
	RawEventsReceived int64
	EventsCondensed   int64
	EventsFiltered    int64
	DeltasDropped     int64
	EventsPersisted   int64

	// Executor
	ExecutorLaunchSuccess int64
	ExecutorLaunchFailure int64
	ExecutorCrash         int64
	IPCDecodeErrors       int64

	// Storage
	SinkWriteSuccess int64
	SinkWriteFailure int64

	// Replay and validation
	MutationsApplied  int64
	MutationsSkipped  int64
	MutationsFailed   int64
	ValidationsPassed int64
	ValidationsFailed int64

	// Multiplexing and task lifecycle
	StreamsOpened   int64
	FramesEmitted   int64
	SourceErrors    int64
	CleanupTimeouts int64

	// Dimensions (informational, set at construction)
	Policy         string
	StorageBackend string
	Instance       string
}

// Collector accumulates counters.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(policy, storageBackend, instance string) *Collector {
	return &Collector{s: Snapshot{
		Policy:         policy,
		StorageBackend: storageBackend,
		Instance:       instance,
	}}
}

// add applies fn under the lock. No-op on a nil collector.
func (c *Collector) add(fn func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

// --- Thread lifecycle ---

// IncThreadStarted records a thread execution start.
func (c *Collector) IncThreadStarted() { c.add(func(s *Snapshot) { s.ThreadsStarted++ }) }

// IncThreadCompleted records a successful thread execution.
func (c *Collector) IncThreadCompleted() { c.add(func(s *Snapshot) { s.ThreadsCompleted++ }) }

// IncThreadFailed records an engine error, crash or persistence failure.
func (c *Collector) IncThreadFailed() { c.add(func(s *Snapshot) { s.ThreadsFailed++ }) }

// IncThreadCancelled records a halted thread execution.
func (c *Collector) IncThreadCancelled() { c.add(func(s *Snapshot) { s.ThreadsCancelled++ }) }

// --- Executor ---

// IncExecutorLaunchSuccess records a successful engine process start.
func (c *Collector) IncExecutorLaunchSuccess() {
	c.add(func(s *Snapshot) { s.ExecutorLaunchSuccess++ })
}

// IncExecutorLaunchFailure records a failed engine process start.
func (c *Collector) IncExecutorLaunchFailure() {
	c.add(func(s *Snapshot) { s.ExecutorLaunchFailure++ })
}

// IncExecutorCrash records an abnormal engine exit or stream corruption.
func (c *Collector) IncExecutorCrash() { c.add(func(s *Snapshot) { s.ExecutorCrash++ }) }

// IncIPCDecodeErrors records a frame that could not be decoded.
func (c *Collector) IncIPCDecodeErrors() { c.add(func(s *Snapshot) { s.IPCDecodeErrors++ }) }

// --- Ingestion ---

// AbsorbIngestion folds one thread's ingestion counts into the totals.
func (c *Collector) AbsorbIngestion(received, condensed, filtered, dropped int64) {
	c.add(func(s *Snapshot) {
		s.RawEventsReceived += received
		s.EventsCondensed += condensed
		s.EventsFiltered += filtered
		s.DeltasDropped += dropped
	})
}

// AbsorbPersisted folds one thread's persisted event count into the totals.
func (c *Collector) AbsorbPersisted(persisted int64) {
	c.add(func(s *Snapshot) { s.EventsPersisted += persisted })
}

// --- Storage ---

// IncSinkWriteSuccess records a successful sink write.
func (c *Collector) IncSinkWriteSuccess() { c.add(func(s *Snapshot) { s.SinkWriteSuccess++ }) }

// IncSinkWriteFailure records a failed sink write.
func (c *Collector) IncSinkWriteFailure() { c.add(func(s *Snapshot) { s.SinkWriteFailure++ }) }

// --- Replay and validation ---

// AddMutations records the outcome of one reconstruction.
func (c *Collector) AddMutations(applied, skipped, failed int) {
	c.add(func(s *Snapshot) {
		s.MutationsApplied += int64(applied)
		s.MutationsSkipped += int64(skipped)
		s.MutationsFailed += int64(failed)
	})
}

// IncValidation records a validation pass.
func (c *Collector) IncValidation(passed bool) {
	c.add(func(s *Snapshot) {
		if passed {
			s.ValidationsPassed++
		} else {
			s.ValidationsFailed++
		}
	})
}

// --- Multiplexing and lifecycle ---

// IncStreamsOpened records a multiplexed source being started.
func (c *Collector) IncStreamsOpened() { c.add(func(s *Snapshot) { s.StreamsOpened++ }) }

// IncFramesEmitted records one serialized frame written to a client.
func (c *Collector) IncFramesEmitted() { c.add(func(s *Snapshot) { s.FramesEmitted++ }) }

// IncSourceErrors records a source failure converted into an error event.
func (c *Collector) IncSourceErrors() { c.add(func(s *Snapshot) { s.SourceErrors++ }) }

// IncCleanupTimeouts records a task that did not stop within its cleanup
// timeout.
func (c *Collector) IncCleanupTimeouts() { c.add(func(s *Snapshot) { s.CleanupTimeouts++ }) }

// Snapshot returns an immutable copy of all counters.
// Returns a zero Snapshot on a nil collector.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
