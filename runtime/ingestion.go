package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/tributary/condense"
	"github.com/pithecene-io/tributary/ipc"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/types"
)

// IngestionError classifies ingestion errors for outcome determination.
type IngestionError struct {
	// Kind tells a broken stream from a persistence or delivery failure.
	Kind IngestionErrorKind
	// Err is the underlying error.
	Err error
}

// IngestionErrorKind classifies ingestion errors.
type IngestionErrorKind int

const (
	// IngestionErrorStream is a frame or protocol violation by the engine
	// (executor crash outcome).
	IngestionErrorStream IngestionErrorKind = iota
	// IngestionErrorPolicy is a persistence failure (policy failure outcome).
	IngestionErrorPolicy
	// IngestionErrorCanceled is context cancellation (cancelled outcome).
	IngestionErrorCanceled
	// IngestionErrorEmit is a live-delivery failure, usually a gone client
	// (cancelled outcome).
	IngestionErrorEmit
)

func (k IngestionErrorKind) String() string {
	switch k {
	case IngestionErrorStream:
		return "stream"
	case IngestionErrorPolicy:
		return "policy"
	case IngestionErrorCanceled:
		return "canceled"
	case IngestionErrorEmit:
		return "emit"
	default:
		return fmt.Sprintf("IngestionErrorKind(%d)", int(k))
	}
}

func (e *IngestionError) Error() string {
	return e.Err.Error()
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

func ingestionKind(err error) (IngestionErrorKind, bool) {
	var ingErr *IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Kind, true
	}
	return 0, false
}

// IsPolicyError returns true if the error is a persistence failure.
func IsPolicyError(err error) bool {
	k, ok := ingestionKind(err)
	return ok && k == IngestionErrorPolicy
}

// IsCanceledError returns true if the error is due to cancellation or a
// failed live delivery.
func IsCanceledError(err error) bool {
	k, ok := ingestionKind(err)
	return ok && (k == IngestionErrorCanceled || k == IngestionErrorEmit)
}

// IsStreamError returns true if the error is a frame or protocol error.
func IsStreamError(err error) bool {
	k, ok := ingestionKind(err)
	return ok && k == IngestionErrorStream
}

// EmitFunc receives every raw event live, before condensation.
type EmitFunc func(types.Event) error

// IngestionStats counts what one ingestion pass saw.
type IngestionStats struct {
	// Received is the number of event frames accepted.
	Received int64
	// Ignored is the number of events received after the terminal event.
	Ignored int64
	// Condense is the condenser's own accounting.
	Condense condense.Stats
}

// IngestionEngine reads engine frames and routes each event two ways:
// raw to the live emit callback, condensed to the persistence policy.
//
//   - Frames are read in order; invalid framing is fatal (no resync).
//   - Event seq must be strictly monotonic starting at 1.
//   - The first terminal event (finish or abort) ends the thread; later
//     events are ignored.
//   - thread_result control frames do not take part in seq ordering.
type IngestionEngine struct {
	decoder   *ipc.FrameDecoder
	condenser *condense.Condenser
	policy    policy.Policy
	emit      EmitFunc
	meta      types.ThreadMeta
	logger    *log.Logger
	collector *metrics.Collector

	currentSeq int64
	stats      IngestionStats
	terminal   *types.Event
	lastError  string
	result     *types.ThreadResultFrame
}

// NewIngestionEngine creates a new ingestion engine. emit may be nil.
func NewIngestionEngine(
	reader io.Reader,
	pol policy.Policy,
	emit EmitFunc,
	meta types.ThreadMeta,
	logger *log.Logger,
	collector *metrics.Collector,
) *IngestionEngine {
	return &IngestionEngine{
		decoder:   ipc.NewFrameDecoder(reader),
		condenser: condense.New(),
		policy:    pol,
		emit:      emit,
		meta:      meta,
		logger:    logger,
		collector: collector,
	}
}

// Run runs the ingestion loop until EOF or a fatal error.
// Returns nil when the stream ended cleanly, or an *IngestionError.
func (e *IngestionEngine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return &IngestionError{Kind: IngestionErrorCanceled, Err: err}
		}

		payload, err := e.decoder.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// The outcome is settled once the terminal event is in; a
			// broken pipe after that is ordinary engine exit.
			if e.terminal != nil {
				e.logger.Debug("pipe closed after terminal event", map[string]any{
					"error": err.Error(),
				})
				return nil
			}
			e.logger.Error("frame error", map[string]any{"error": err.Error()})
			e.collector.IncExecutorCrash()
			return &IngestionError{Kind: IngestionErrorStream, Err: fmt.Errorf("frame error: %w", err)}
		}

		if err := e.processFrame(ctx, payload); err != nil {
			if IsStreamError(err) {
				e.collector.IncExecutorCrash()
			}
			return err
		}
	}
}

func (e *IngestionEngine) processFrame(ctx context.Context, payload []byte) error {
	decoded, err := ipc.DecodeFrame(payload)
	if err != nil {
		e.collector.IncIPCDecodeErrors()
		if !ipc.IsFatalFrameError(err) {
			e.logger.Warn("skipping undecodable frame", map[string]any{"error": err.Error()})
			return nil
		}
		e.logger.Error("frame decode error", map[string]any{"error": err.Error()})
		return &IngestionError{Kind: IngestionErrorStream, Err: fmt.Errorf("frame decode error: %w", err)}
	}

	switch frame := decoded.(type) {
	case *types.EventFrame:
		return e.processEvent(ctx, frame)
	case *types.ThreadResultFrame:
		e.processThreadResult(frame)
		return nil
	default:
		return &IngestionError{Kind: IngestionErrorStream, Err: fmt.Errorf("unexpected frame type: %T", decoded)}
	}
}

func (e *IngestionEngine) processEvent(ctx context.Context, frame *types.EventFrame) error {
	if err := e.validateFrame(frame); err != nil {
		e.logger.Error("event frame rejected", map[string]any{
			"error": err.Error(),
			"seq":   frame.Seq,
		})
		return &IngestionError{Kind: IngestionErrorStream, Err: err}
	}

	expected := e.currentSeq + 1
	if frame.Seq != expected {
		e.logger.Error("sequence violation", map[string]any{
			"expected": expected,
			"got":      frame.Seq,
			"type":     frame.Event.Type,
		})
		return &IngestionError{
			Kind: IngestionErrorStream,
			Err:  fmt.Errorf("sequence violation: expected %d, got %d", expected, frame.Seq),
		}
	}
	e.currentSeq = frame.Seq

	ev := frame.Event
	if e.terminal != nil {
		e.stats.Ignored++
		e.logger.Warn("ignoring event after terminal", map[string]any{
			"type": ev.Type,
			"seq":  frame.Seq,
		})
		return nil
	}
	e.stats.Received++

	if ev.Type == types.EventTypeError {
		e.lastError = ev.StringField(types.FieldErrorText)
	}

	if err := e.emitLive(ev); err != nil {
		return &IngestionError{Kind: IngestionErrorEmit, Err: fmt.Errorf("live emit: %w", err)}
	}

	dropped := e.condenser.Stats().Dropped
	condensed, ok := e.condenser.Process(ev)
	if e.condenser.Stats().Dropped > dropped {
		e.logger.Debug("dropped event for unknown part", map[string]any{
			"type": ev.Type,
			"id":   ev.ID(),
			"seq":  frame.Seq,
		})
	}
	if ok {
		if err := e.policy.IngestEvent(ctx, condensed); err != nil {
			e.logger.Error("policy ingestion failed", map[string]any{
				"type":  condensed.Type,
				"seq":   frame.Seq,
				"error": err.Error(),
			})
			return &IngestionError{Kind: IngestionErrorPolicy, Err: fmt.Errorf("policy failure: %w", err)}
		}
	}

	if ev.Type.IsTerminal() {
		terminal := ev
		e.terminal = &terminal
		if open := e.condenser.Open(); open > 0 {
			e.logger.Warn("discarding unterminated parts at message end", map[string]any{
				"open": open,
			})
		}
		e.condenser.Reset()
		e.logger.Info("terminal event received", map[string]any{
			"type": ev.Type,
			"seq":  frame.Seq,
		})
	}
	return nil
}

// emitLive forwards the raw event. threadId is added only when absent and
// never to delta events.
func (e *IngestionEngine) emitLive(ev types.Event) error {
	if e.emit == nil {
		return nil
	}
	if !ev.Type.IsDelta() && !ev.Has(types.FieldThreadID) {
		ev = ev.With(types.FieldThreadID, e.meta.ThreadID)
	}
	return e.emit(ev)
}

func (e *IngestionEngine) validateFrame(frame *types.EventFrame) error {
	if frame.ContractVersion != types.ContractVersion {
		return fmt.Errorf("contract version mismatch: expected %s, got %s",
			types.ContractVersion, frame.ContractVersion)
	}
	if frame.ThreadID != e.meta.ThreadID {
		return fmt.Errorf("thread_id mismatch: expected %s, got %s", e.meta.ThreadID, frame.ThreadID)
	}
	if frame.Event.Type == "" {
		return types.ErrMissingType
	}
	return nil
}

func (e *IngestionEngine) processThreadResult(frame *types.ThreadResultFrame) {
	if e.result != nil {
		e.logger.Warn("ignoring duplicate thread_result frame", nil)
		return
	}
	e.result = frame
	e.logger.Debug("thread_result frame received", map[string]any{"status": frame.Status})
}

// Terminal returns the terminal event, if one was seen.
func (e *IngestionEngine) Terminal() (*types.Event, bool) {
	return e.terminal, e.terminal != nil
}

// ThreadResult returns the thread_result control frame, if received.
func (e *IngestionEngine) ThreadResult() *types.ThreadResultFrame {
	return e.result
}

// LastError returns the errorText of the most recent error event.
func (e *IngestionEngine) LastError() string {
	return e.lastError
}

// CurrentSeq returns the last accepted sequence number.
func (e *IngestionEngine) CurrentSeq() int64 {
	return e.currentSeq
}

// Stats returns a copy of the ingestion counters.
func (e *IngestionEngine) Stats() IngestionStats {
	s := e.stats
	s.Condense = e.condenser.Stats()
	return s
}
