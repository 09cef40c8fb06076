package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/cli/render"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/replay"
	"github.com/pithecene-io/tributary/runtime"
	"github.com/pithecene-io/tributary/threadlog"
	"github.com/pithecene-io/tributary/validate"
)

// ReplayReport is the outcome of rebuilding a thread's component state.
type ReplayReport struct {
	ThreadID   string                    `json:"thread_id"`
	EventCount int                       `json:"event_count"`
	Blueprint  bool                      `json:"blueprint"`
	Validation validate.Result           `json:"validation"`
	Replay     *replay.Result            `json:"replay,omitempty"`
	Components map[string]map[string]any `json:"components,omitempty"`
}

// ReplayCommand returns the replay command.
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Validate a thread log and replay its mutations into snapshot components",
		ArgsUsage: "<thread-id>",
		Flags: append(StoreFlags(),
			&cli.StringFlag{
				Name:  "file",
				Usage: "Replay this JSONL log instead of a stored thread",
			},
			&cli.StringSliceFlag{
				Name:  "component",
				Usage: "Component prefix to rebuild (repeatable, overrides replay.components)",
			},
			&cli.BoolFlag{
				Name:  "strict",
				Usage: "Treat orphaned tool calls as errors (overrides validation.strict)",
			},
		),
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}

	var (
		threadID string
		loader   runtime.EventLoader
	)
	if path := c.String("file"); path != "" {
		events, err := threadlog.Read(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("read %s: %v", path, err), 1)
		}
		threadID = threadIDFromPath(path)
		loader = fileLoader{events: events}
	} else {
		if c.NArg() < 1 {
			return cli.Exit("thread-id or --file required", 1)
		}
		threadID = c.Args().First()
		store, err := openStorage(c.Context, cfg.Storage)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open storage: %v", err), 1)
		}
		defer func() { _ = store.Close() }()
		loader = store.loader
	}

	prefixes := cfg.Replay.Components
	if c.IsSet("component") {
		prefixes = c.StringSlice("component")
	}
	snapshots := make([]*replay.SnapshotComponent, 0, len(prefixes))
	components := make([]replay.Component, 0, len(prefixes))
	for _, p := range prefixes {
		sc := replay.NewSnapshotComponent(p)
		snapshots = append(snapshots, sc)
		components = append(components, sc)
	}

	strict := cfg.Validation.Strict
	if c.IsSet("strict") {
		strict = c.Bool("strict")
	}

	logger := log.NewLogger("replay")
	logger.SetLevel(cfg.Log.Level)

	state, err := runtime.LoadThread(c.Context, threadID, runtime.LoadConfig{
		Loader:     loader,
		Components: components,
		Strict:     strict,
		Logger:     logger,
	})
	if errors.Is(err, runtime.ErrThreadNotFound) {
		return cli.Exit(fmt.Sprintf("thread %s not found", threadID), 1)
	}
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	report := ReplayReport{
		ThreadID:   state.ThreadID,
		EventCount: len(state.Events),
		Blueprint:  state.Blueprint != nil,
		Validation: state.Validation,
		Replay:     state.Replay,
	}
	if state.Replay != nil && len(snapshots) > 0 {
		report.Components = make(map[string]map[string]any, len(snapshots))
		for _, sc := range snapshots {
			report.Components[sc.EventSourcePrefix()] = stateAsAny(sc.State())
		}
	}
	if err := r.Render(report); err != nil {
		return err
	}

	switch {
	case state.Replay == nil:
		r.Status(render.LevelFail, "validation failed: %d errors, nothing replayed", len(state.Validation.Errors))
		return cli.Exit("", 1)
	case !state.Replay.Success():
		r.Status(render.LevelFail, "replay finished with %d errors", len(state.Replay.Errors))
		return cli.Exit("", 1)
	default:
		r.Status(render.LevelOK, "replayed %d mutations (%d skipped)",
			state.Replay.MutationsApplied, state.Replay.MutationsSkipped)
		return nil
	}
}

// stateAsAny widens a component's per-instance state for rendering.
func stateAsAny(state map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// threadIDFromPath recovers the thread id from a log file name.
func threadIDFromPath(path string) string {
	base := filepath.Base(path)
	if trimmed, ok := strings.CutSuffix(base, threadlog.CompressedExt); ok {
		return trimmed
	}
	return strings.TrimSuffix(base, threadlog.Ext)
}
