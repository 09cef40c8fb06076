package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pithecene-io/tributary/adapter"
	"github.com/pithecene-io/tributary/cli/config"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/multiplex"
	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/runtime"
	"github.com/pithecene-io/tributary/server"
	"github.com/pithecene-io/tributary/types"
)

// engine starts thread turns against the configured engine command.
type engine struct {
	cfg       *config.Config
	store     *storage
	adapter   adapter.Adapter
	logger    *log.Logger
	collector *metrics.Collector

	// executorFactory replaces the engine process in tests.
	executorFactory runtime.ExecutorFactory
}

// turn is one prepared thread turn. Close must be called once the run has
// finished, whether or not it was executed.
type turn struct {
	run    *runtime.ThreadRun
	policy policy.Policy
}

func (t *turn) Close() error {
	return t.policy.Close()
}

// prepare loads the thread's history, opens its sink and builds the run.
func (e *engine) prepare(ctx context.Context, req server.ThreadRequest) (*turn, error) {
	history, err := e.store.Load(ctx, req.ThreadID)
	if err != nil && !errors.Is(err, runtime.ErrThreadNotFound) {
		return nil, fmt.Errorf("load history: %w", err)
	}

	sink, err := e.store.Sink(ctx, req.ThreadID, e.collector)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	pol, err := buildPolicy(e.cfg.Policy, sink, e.logger)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	n := req.Turn
	if n < 1 {
		n = 1
	}
	var deadline time.Time
	if d := e.cfg.Engine.Deadline.Duration; d > 0 {
		deadline = time.Now().Add(d)
	}

	run, err := runtime.NewThreadRun(&runtime.ThreadRunConfig{
		Meta:     types.ThreadMeta{ThreadID: req.ThreadID, Turn: n},
		Input:    req.Input,
		History:  history,
		Deadline: deadline,
		Executor: runtime.ExecutorConfig{
			Command: e.cfg.Engine.Command,
			Args:    e.cfg.Engine.Args,
			Env:     e.cfg.Engine.Env,
			Dir:     e.cfg.Engine.Dir,
		},
		ExecutorFactory: e.executorFactory,
		Policy:          pol,
		Adapter:         e.adapter,
		StoragePath:     e.store.Location(req.ThreadID),
		Logger:          e.logger,
		Collector:       e.collector,
	})
	if err != nil {
		_ = pol.Close()
		return nil, err
	}
	return &turn{run: run, policy: pol}, nil
}

// Stream is the server's StreamFactory. Preparation happens inside the
// stream so a failure surfaces as that thread's error event and nothing is
// opened for threads that never start.
func (e *engine) Stream(_ context.Context, req server.ThreadRequest) (multiplex.Stream, error) {
	return func(ctx context.Context, emit func(types.Event) error) error {
		t, err := e.prepare(ctx, req)
		if err != nil {
			return err
		}
		defer func() {
			if err := t.Close(); err != nil {
				e.logger.Warn("policy close failed", map[string]any{
					"thread_id": req.ThreadID,
					"error":     err.Error(),
				})
			}
		}()
		return t.run.Stream(ctx, emit)
	}, nil
}

// openEngine opens storage and the adapter described by cfg. Release them
// with iox.CloseAll(e.closers()...).
func openEngine(ctx context.Context, cfg *config.Config, logger *log.Logger, collector *metrics.Collector) (*engine, error) {
	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a, err := buildAdapter(cfg.Adapter)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &engine{
		cfg:       cfg,
		store:     store,
		adapter:   a,
		logger:    logger,
		collector: collector,
	}, nil
}

// closers lists what must be released when the engine is done, in the
// order iox.CloseAll expects.
func (e *engine) closers() []io.Closer {
	closers := []io.Closer{e.store}
	if e.adapter != nil {
		closers = append(closers, e.adapter)
	}
	return closers
}
