package runtime

import (
	"context"
	"errors"
	"fmt"

	lodelibrary "github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/tributary/lode"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/replay"
	"github.com/pithecene-io/tributary/threadlog"
	"github.com/pithecene-io/tributary/types"
	"github.com/pithecene-io/tributary/validate"
)

// ErrThreadNotFound is returned when no loader has history for a thread.
var ErrThreadNotFound = errors.New("thread not found")

// EventLoader reads a thread's persisted, condensed history.
type EventLoader interface {
	Load(ctx context.Context, threadID string) ([]types.Event, error)
}

// DirLoader loads thread logs from a directory of JSONL files.
type DirLoader struct {
	Dir string
}

// Load implements EventLoader.
func (d DirLoader) Load(_ context.Context, threadID string) ([]types.Event, error) {
	path, err := threadlog.Resolve(d.Dir, threadID)
	if err != nil {
		if errors.Is(err, threadlog.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", threadID, ErrThreadNotFound)
		}
		return nil, err
	}
	return threadlog.Read(path)
}

// LodeLoader loads threads from a Lode dataset.
type LodeLoader struct {
	Dataset lodelibrary.Dataset
}

// Load implements EventLoader.
func (l LodeLoader) Load(ctx context.Context, threadID string) ([]types.Event, error) {
	events, err := lode.ReadThread(ctx, l.Dataset, threadID)
	if err != nil {
		if errors.Is(err, lode.ErrThreadNotFound) {
			return nil, fmt.Errorf("%s: %w", threadID, ErrThreadNotFound)
		}
		return nil, err
	}
	return events, nil
}

// LoadConfig configures LoadThread.
type LoadConfig struct {
	Loader EventLoader
	// Components receive the thread's mutations. They are registered on a
	// fresh reconstructor for every load.
	Components []replay.Component
	// Strict promotes orphaned tool calls to validation errors.
	Strict    bool
	Logger    *log.Logger
	Collector *metrics.Collector
}

// ThreadState is a thread restored from storage.
type ThreadState struct {
	ThreadID string
	// Blueprint is the leading thread-blueprint line, if any.
	Blueprint *types.Event
	// Events is the condensed history without the blueprint.
	Events     []types.Event
	Validation validate.Result
	// Replay is nil when validation failed and nothing was replayed.
	Replay *replay.Result
}

// LoadThread reads a thread, validates its history and replays its
// mutations into the configured components. A history that fails
// validation is returned without replay.
func LoadThread(ctx context.Context, threadID string, cfg LoadConfig) (*ThreadState, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	if cfg.Loader == nil {
		return nil, errors.New("loader is required")
	}
	logger := cfg.Logger.WithThread(threadID)

	raw, err := cfg.Loader.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	blueprint, events := threadlog.SplitBlueprint(raw)

	state := &ThreadState{
		ThreadID:   threadID,
		Blueprint:  blueprint,
		Events:     events,
		Validation: validate.Validate(events, validate.Options{Strict: cfg.Strict}),
	}
	cfg.Collector.IncValidation(state.Validation.Success)
	if !state.Validation.Success {
		logger.Warn("thread history failed validation", map[string]any{
			"errors": len(state.Validation.Errors),
		})
		return state, nil
	}

	r := replay.NewReconstructor(logger, cfg.Collector)
	for _, c := range cfg.Components {
		r.Register(c)
	}
	result := r.Reconstruct(ctx, events)
	state.Replay = &result

	logger.Info("thread loaded", map[string]any{
		"events":    len(events),
		"applied":   result.MutationsApplied,
		"skipped":   result.MutationsSkipped,
		"errors":    len(result.Errors),
		"blueprint": blueprint != nil,
	})
	return state, nil
}
