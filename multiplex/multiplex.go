// Package multiplex interleaves several independent event streams into one
// SSE response.
//
// Every source runs in its own drain unit that pushes events into a small
// bounded queue. A single fan-in loop waits on all active queues at once,
// serializes whatever arrives first and hands the frame to the writer.
// Within one source the order is preserved; across sources it is not.
package multiplex

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pithecene-io/tributary/ipc"
	"github.com/pithecene-io/tributary/lifecycle"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/types"
)

// DefaultQueueSize is the per-source queue capacity.
const DefaultQueueSize = 10

// Stream produces one source's events by calling emit in order. It must
// return when ctx is cancelled. A non-nil emit error means the consumer is
// gone and the stream should stop.
type Stream func(ctx context.Context, emit func(types.Event) error) error

// Source is one labeled event stream.
type Source struct {
	ID     string
	Stream Stream
}

// FrameWriter receives each serialized frame.
type FrameWriter func(frame []byte) error

// Options configures a Multiplexer. Zero values select defaults.
type Options struct {
	// QueueSize is the per-source queue capacity.
	QueueSize int
	// Drains tracks drain units while a Run is in progress.
	Drains *lifecycle.Registry
	// CleanupTimeout bounds how long a cancelled drain is awaited.
	CleanupTimeout time.Duration
	Logger         *log.Logger
	Collector      *metrics.Collector
}

// Stats describes one Run.
type Stats struct {
	Frames int
	Events int
	// Errors maps a source id to the error text reported for it.
	Errors map[string]string
}

// Multiplexer runs sources concurrently and merges their output.
type Multiplexer struct {
	queueSize int
	drains    *lifecycle.Registry
	scope     *lifecycle.Scope
	logger    *log.Logger
	collector *metrics.Collector
}

// New creates a Multiplexer.
func New(opts Options) *Multiplexer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Drains == nil {
		opts.Drains = lifecycle.NewRegistry()
	}
	return &Multiplexer{
		queueSize: opts.QueueSize,
		drains:    opts.Drains,
		scope: &lifecycle.Scope{
			Registry:       opts.Drains,
			CleanupTimeout: opts.CleanupTimeout,
			Logger:         opts.Logger,
			Collector:      opts.Collector,
		},
		logger:    opts.Logger,
		collector: opts.Collector,
	}
}

// Drains returns the drain registry.
func (m *Multiplexer) Drains() *lifecycle.Registry {
	return m.drains
}

// item is one queue entry. A sentinel marks the natural end of a source.
// failed marks the error event the drain emits for a failed source, as
// opposed to error events a source streams itself.
type item struct {
	event    types.Event
	sentinel bool
	failed   bool
}

// lane is the fan-in's view of one source.
type lane struct {
	id       string
	queue    chan item
	guard    *lifecycle.Guard
	finished bool
}

// Run streams every source to write and returns when all sources have
// ended, ctx is cancelled, or write fails. The terminator frame is written
// only when every source ended. All drain units are cancelled and released
// before Run returns.
func (m *Multiplexer) Run(ctx context.Context, sources []Source, write FrameWriter) (stats Stats, err error) {
	ctx, span := otel.Tracer("github.com/pithecene-io/tributary/multiplex").Start(ctx, "multiplex.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("multiplex.sources", len(sources)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := uuid.NewString()
	logger := m.logger.With(map[string]any{"stream_id": runID})
	stats.Errors = make(map[string]string)

	lanes := make([]*lane, 0, len(sources))
	defer func() {
		for _, l := range lanes {
			l.guard.Cancel()
		}
		for _, l := range lanes {
			l.guard.Release()
		}
	}()

	for i, src := range sources {
		q := make(chan item, m.queueSize)
		key := fmt.Sprintf("drain:%s:%d:%s", runID, i, src.ID)
		g := m.scope.Acquire(ctx, key, drain(src, q))
		lanes = append(lanes, &lane{id: src.ID, queue: q, guard: g})
		m.collector.IncStreamsOpened()
	}

	emit := func(frame []byte) error {
		if err := write(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		stats.Frames++
		m.collector.IncFramesEmitted()
		return nil
	}

	active := append([]*lane(nil), lanes...)
	for len(active) > 0 {
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return stats, ctx.Err()
		}
		active = retire(active)
		if len(active) == 0 {
			break
		}

		l, it, recvOK, ctxDone := selectNext(ctx, active)
		if ctxDone {
			logger.Debug("multiplex cancelled", map[string]any{"active": len(active)})
			span.SetStatus(codes.Error, "cancelled")
			return stats, ctx.Err()
		}
		if !recvOK {
			// The drain unit returned; retire once its queue is empty.
			l.finished = true
			continue
		}
		if it.sentinel {
			active = remove(active, l)
			continue
		}

		ev := it.event
		if it.failed {
			stats.Errors[l.id] = ev.StringField(types.FieldErrorText)
			m.collector.IncSourceErrors()
		}

		frame, encErr := ipc.EncodeSSE(ev)
		if encErr != nil {
			logger.Warn("dropping unencodable event", map[string]any{
				"source": l.id,
				"type":   string(ev.Type),
				"error":  encErr.Error(),
			})
			continue
		}
		stats.Events++
		if err := emit(frame); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write failed")
			return stats, err
		}
	}

	if err := emit(ipc.DoneFrame); err != nil {
		span.RecordError(err)
		return stats, err
	}

	span.SetAttributes(
		attribute.Int("multiplex.frames", stats.Frames),
		attribute.Int("multiplex.errors", len(stats.Errors)),
	)
	logger.Debug("multiplex complete", map[string]any{
		"sources": len(sources),
		"frames":  stats.Frames,
		"errors":  len(stats.Errors),
	})
	return stats, nil
}

// retire drops lanes whose drain unit has returned and whose queue is
// drained. Such a lane can never produce a sentinel.
func retire(active []*lane) []*lane {
	out := active[:0]
	for _, l := range active {
		if l.finished && len(l.queue) == 0 {
			continue
		}
		out = append(out, l)
	}
	return out
}

func remove(active []*lane, target *lane) []*lane {
	out := active[:0]
	for _, l := range active {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}

// selectNext waits for the first ready queue, drain completion or
// cancellation. Exactly one channel operation completes per call.
// recvOK is false when the ready case was a drain unit finishing.
func selectNext(ctx context.Context, active []*lane) (l *lane, it item, recvOK, ctxDone bool) {
	cases := make([]reflect.SelectCase, 0, 1+2*len(active))
	owners := make([]*lane, 0, cap(cases))
	isQueue := make([]bool, 0, cap(cases))

	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	owners = append(owners, nil)
	isQueue = append(isQueue, false)

	for _, l := range active {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.queue)})
		owners = append(owners, l)
		isQueue = append(isQueue, true)
		if !l.finished {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.guard.Done())})
			owners = append(owners, l)
			isQueue = append(isQueue, false)
		}
	}

	chosen, value, _ := reflect.Select(cases)
	if chosen == 0 {
		return nil, item{}, false, true
	}
	l = owners[chosen]
	if !isQueue[chosen] {
		return l, item{}, false, false
	}
	return l, value.Interface().(item), true, false
}

// drain wraps a source as a lifecycle unit that feeds q.
//
// Natural completion ends with a sentinel. Cancellation ends without one.
// A failure in the drain path itself attempts one non-blocking sentinel so
// the fan-in does not wait for it.
func drain(src Source, q chan<- item) lifecycle.Unit {
	return func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				select {
				case q <- item{sentinel: true}:
				default:
				}
				err = fmt.Errorf("drain %s: panic: %v", src.ID, p)
			}
		}()

		push := func(it item) error {
			select {
			case q <- it:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		send := func(ev types.Event) error {
			return push(item{event: ev.With(types.FieldThreadID, src.ID)})
		}

		if err := send(marker(types.EventTypeThreadStart, src.ID)); err != nil {
			return err
		}

		srcErr := runSource(ctx, src, send)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if srcErr != nil {
			if err := push(item{event: errorEvent(src.ID, srcErr), failed: true}); err != nil {
				return err
			}
		} else if err := send(marker(types.EventTypeThreadFinish, src.ID)); err != nil {
			return err
		}

		return push(item{sentinel: true})
	}
}

// runSource invokes the source, converting a panic into an error.
func runSource(ctx context.Context, src Source, emit func(types.Event) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if src.Stream == nil {
		return errors.New("source has no stream")
	}
	return src.Stream(ctx, emit)
}

func marker(t types.EventType, id string) types.Event {
	return types.NewEvent(t, map[string]any{types.FieldThreadID: id})
}

func errorEvent(id string, err error) types.Event {
	return types.NewEvent(types.EventTypeError, map[string]any{
		types.FieldThreadID:  id,
		types.FieldErrorText: err.Error(),
	})
}
