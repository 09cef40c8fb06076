package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pithecene-io/tributary/adapter"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/telemetry"
	"github.com/pithecene-io/tributary/types"
)

// DefaultFlushTimeout bounds the final policy flush.
const DefaultFlushTimeout = 30 * time.Second

// DefaultPublishTimeout bounds the completion notification.
const DefaultPublishTimeout = 10 * time.Second

// Executor abstracts engine process lifecycle for testing.
type Executor interface {
	Start(ctx context.Context) error
	Stdout() io.Reader
	Wait() (*ExecutorResult, error)
	Kill() error
}

// ExecutorFactory creates an Executor. Used for test injection.
type ExecutorFactory func(config *ExecutorConfig) Executor

// ThreadRunConfig configures one turn of one thread.
type ThreadRunConfig struct {
	// Meta is the thread identity.
	Meta types.ThreadMeta
	// Input is the user input for this turn, passed to the engine as-is.
	Input any
	// History is the condensed history of earlier turns, if any.
	History []types.Event
	// Deadline, when non-zero, is handed to the engine and enforced here.
	Deadline time.Time
	// Executor describes the engine process. Job is filled in by the run.
	Executor ExecutorConfig
	// ExecutorFactory overrides executor creation (for testing).
	// If nil, uses NewExecutorManager.
	ExecutorFactory ExecutorFactory
	// Policy persists condensed events. Required.
	Policy policy.Policy
	// Adapter is notified once the turn is over. Optional.
	Adapter adapter.Adapter
	// StoragePath is reported in the completion notification.
	StoragePath string
	// Logger defaults to a thread-scoped runtime logger.
	Logger *log.Logger
	// Collector is optional; all Collector methods are nil-safe.
	Collector *metrics.Collector
	// FlushTimeout defaults to DefaultFlushTimeout.
	FlushTimeout time.Duration
}

// ThreadResult is the result of one turn.
type ThreadResult struct {
	Meta    types.ThreadMeta
	Outcome types.ThreadOutcome
	// Duration is the wall time from start to outcome.
	Duration time.Duration
	// PolicyStats is the persistence policy's final accounting.
	PolicyStats policy.Stats
	// Ingestion is the ingestion engine's final accounting.
	Ingestion IngestionStats
	// EventCount is the last sequence number accepted from the engine.
	EventCount int64
	// StderrOutput is the captured engine stderr.
	StderrOutput string
	// Usage is the engine-reported token accounting, if any.
	Usage map[string]any
}

// ThreadRun orchestrates a single turn.
type ThreadRun struct {
	config *ThreadRunConfig
	logger *log.Logger

	mu     sync.Mutex
	result *ThreadResult
}

// NewThreadRun creates a thread run.
// Returns error if thread metadata is invalid or no policy is configured.
func NewThreadRun(config *ThreadRunConfig) (*ThreadRun, error) {
	if err := config.Meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thread metadata: %w", err)
	}
	if config.Policy == nil {
		return nil, errors.New("policy is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("runtime")
	}
	logger = logger.WithThread(config.Meta.ThreadID).With(map[string]any{"turn": config.Meta.Turn})

	return &ThreadRun{config: config, logger: logger}, nil
}

// Execute runs the turn end-to-end. emit receives the raw events live and
// may be nil.
//
// Execution flow:
//  1. Start the engine and hand it the job
//  2. Run the ingestion loop (concurrent)
//  3. Kill the engine on any ingestion error, then reap it
//  4. Flush the policy (best effort, survives cancellation)
//  5. Determine the outcome
//  6. Record metrics and publish the completion notification
//
// The returned error is non-nil only for misuse; every engine or
// persistence failure is reported through the outcome.
func (r *ThreadRun) Execute(ctx context.Context, emit EmitFunc) (*ThreadResult, error) {
	start := time.Now()
	meta := r.config.Meta

	ctx, span := telemetry.Tracer("github.com/pithecene-io/tributary/runtime").Start(ctx, "runtime.ThreadRun")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread.id", meta.ThreadID),
		attribute.Int("thread.turn", meta.Turn),
	)

	if !r.config.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, r.config.Deadline)
		defer cancel()
	}

	r.config.Collector.IncThreadStarted()
	r.logger.Info("starting thread", map[string]any{"engine": r.config.Executor.Command})

	execConfig := r.config.Executor
	execConfig.Job = &types.ThreadJob{
		ThreadID: meta.ThreadID,
		Turn:     meta.Turn,
		Input:    r.config.Input,
		History:  r.config.History,
	}
	if !r.config.Deadline.IsZero() {
		execConfig.Job.Deadline = types.FormatTimestamp(r.config.Deadline)
	}

	var executor Executor
	if r.config.ExecutorFactory != nil {
		executor = r.config.ExecutorFactory(&execConfig)
	} else {
		executor = NewExecutorManager(&execConfig)
	}

	if err := executor.Start(ctx); err != nil {
		r.config.Collector.IncExecutorLaunchFailure()
		r.logger.Error("failed to start engine", map[string]any{"error": err.Error()})
		_ = r.flush(ctx)
		return r.finish(ctx, span, start, types.ThreadOutcome{
			Status:  types.OutcomeExecutorCrash,
			Message: fmt.Sprintf("failed to start engine: %v", err),
		}, nil, ""), nil
	}
	r.config.Collector.IncExecutorLaunchSuccess()

	ingestion := NewIngestionEngine(
		executor.Stdout(),
		r.config.Policy,
		emit,
		meta,
		r.logger,
		r.config.Collector,
	)

	ingestionDone := make(chan error, 1)
	go func() {
		ingestionDone <- ingestion.Run(ctx)
	}()

	// Ingestion must finish before Wait: Wait closes the stdout pipe and
	// would cut off frames still buffered in it.
	ingErr := <-ingestionDone
	if ingErr != nil {
		r.logger.Warn("killing engine due to ingestion error", map[string]any{
			"error": ingErr.Error(),
			"kind":  kindName(ingErr),
		})
		_ = executor.Kill()
	}

	execResult, execErr := executor.Wait()
	flushErr := r.flush(ctx)

	var stderr string
	if execResult != nil {
		stderr = string(execResult.StderrBytes)
	}

	var outcome types.ThreadOutcome
	switch {
	case ctx.Err() != nil || IsCanceledError(ingErr):
		cause := ingErr
		if cause == nil {
			cause = ctx.Err()
		}
		outcome = types.ThreadOutcome{
			Status:  types.OutcomeCancelled,
			Message: fmt.Sprintf("thread cancelled: %v", cause),
		}
	case execErr != nil:
		r.logger.Error("engine wait failed", map[string]any{"error": execErr.Error()})
		outcome = types.ThreadOutcome{
			Status:  types.OutcomeExecutorCrash,
			Message: fmt.Sprintf("engine wait failed: %v", execErr),
		}
	case IsPolicyError(ingErr):
		outcome = types.ThreadOutcome{
			Status:  types.OutcomePolicyFailure,
			Message: ingErr.Error(),
		}
	case ingErr != nil:
		outcome = types.ThreadOutcome{
			Status:  types.OutcomeExecutorCrash,
			Message: fmt.Sprintf("stream error: %v", ingErr),
		}
	case flushErr != nil:
		outcome = types.ThreadOutcome{
			Status:  types.OutcomePolicyFailure,
			Message: fmt.Sprintf("policy flush failed: %v", flushErr),
		}
	default:
		terminal, _ := ingestion.Terminal()
		result := ingestion.ThreadResult()
		outcome = DetermineOutcome(execResult.ExitCode, terminal, result, ingestion.LastError())
		if result != nil && outcomeFromResultStatus(result.Status) != outcome.Status {
			r.logger.Warn("exit code conflicts with thread_result", map[string]any{
				"exit_code":     execResult.ExitCode,
				"exit_outcome":  outcome.Status,
				"result_status": result.Status,
			})
		}
	}

	return r.finish(ctx, span, start, outcome, ingestion, stderr), nil
}

// Stream runs the turn as a multiplexer source. It returns nil only when
// the turn completed; the result is available from Result afterwards.
func (r *ThreadRun) Stream(ctx context.Context, emit func(types.Event) error) error {
	result, err := r.Execute(ctx, emit)
	if err != nil {
		return err
	}
	if result.Outcome.Status == types.OutcomeCompleted {
		return nil
	}
	if result.Outcome.Status == types.OutcomeCancelled && ctx.Err() != nil {
		return ctx.Err()
	}
	return &OutcomeError{Outcome: result.Outcome}
}

// Result returns the result of the last Execute, or nil if none finished.
func (r *ThreadRun) Result() *ThreadResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// OutcomeError reports a turn that did not complete.
type OutcomeError struct {
	Outcome types.ThreadOutcome
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Outcome.Status, e.Outcome.Message)
}

// flush writes buffered events even when ctx is already cancelled.
// Context values (tracing) are kept.
func (r *ThreadRun) flush(ctx context.Context) error {
	timeout := r.config.FlushTimeout
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := r.config.Policy.Flush(flushCtx); err != nil {
		r.logger.Warn("policy flush failed (best effort)", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

func (r *ThreadRun) finish(
	ctx context.Context,
	span trace.Span,
	start time.Time,
	outcome types.ThreadOutcome,
	ingestion *IngestionEngine,
	stderr string,
) *ThreadResult {
	result := &ThreadResult{
		Meta:         r.config.Meta,
		Outcome:      outcome,
		Duration:     time.Since(start),
		PolicyStats:  r.config.Policy.Stats(),
		StderrOutput: stderr,
	}
	if ingestion != nil {
		result.Ingestion = ingestion.Stats()
		result.EventCount = ingestion.CurrentSeq()
		if tr := ingestion.ThreadResult(); tr != nil {
			result.Usage = tr.Usage
		}
	}

	c := r.config.Collector
	switch outcome.Status {
	case types.OutcomeCompleted:
		c.IncThreadCompleted()
	case types.OutcomeCancelled:
		c.IncThreadCancelled()
	default:
		c.IncThreadFailed()
	}
	cs := result.Ingestion.Condense
	c.AbsorbIngestion(result.Ingestion.Received, cs.Emitted+cs.PassedThrough, cs.Filtered, cs.Dropped)
	c.AbsorbPersisted(result.PolicyStats.EventsPersisted)
	if cs.Dropped > 0 {
		r.logger.Debug("deltas dropped for unknown parts", map[string]any{"dropped": cs.Dropped})
	}

	span.SetAttributes(
		attribute.String("thread.outcome", string(outcome.Status)),
		attribute.Int64("thread.events", result.EventCount),
	)
	if outcome.Status != types.OutcomeCompleted {
		span.SetStatus(codes.Error, outcome.Message)
	}

	r.logger.Info("thread finished", map[string]any{
		"outcome":   outcome.Status,
		"message":   outcome.Message,
		"events":    result.EventCount,
		"persisted": result.PolicyStats.EventsPersisted,
		"duration":  result.Duration.String(),
	})

	r.publish(ctx, result)

	r.mu.Lock()
	r.result = result
	r.mu.Unlock()
	return result
}

// publish notifies the adapter. Failures are logged and never change the
// outcome.
func (r *ThreadRun) publish(ctx context.Context, result *ThreadResult) {
	if r.config.Adapter == nil {
		return
	}
	event := adapter.NewThreadCompletedEvent(
		result.Meta,
		result.Outcome,
		r.config.StoragePath,
		result.EventCount,
		result.Duration,
		time.Now(),
	)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultPublishTimeout)
	defer cancel()
	if err := r.config.Adapter.Publish(pubCtx, event); err != nil {
		r.logger.Warn("completion notification failed", map[string]any{"error": err.Error()})
	}
}

func outcomeFromResultStatus(s types.ThreadResultStatus) types.OutcomeStatus {
	switch s {
	case types.ThreadResultCompleted:
		return types.OutcomeCompleted
	case types.ThreadResultAborted:
		return types.OutcomeCancelled
	default:
		return types.OutcomeEngineError
	}
}

func kindName(err error) string {
	if k, ok := ingestionKind(err); ok {
		return k.String()
	}
	return "unknown"
}
