package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/cli/config"
	"github.com/pithecene-io/tributary/cli/render"
	"github.com/pithecene-io/tributary/runtime"
	"github.com/pithecene-io/tributary/threadlog"
	"github.com/pithecene-io/tributary/types"
	"github.com/pithecene-io/tributary/validate"
)

// ValidateCommand returns the validate command.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a stored thread log for ordering and tool-call integrity",
		ArgsUsage: "<thread-id>",
		Flags: append(StoreFlags(),
			&cli.StringFlag{
				Name:  "file",
				Usage: "Validate this JSONL log (.jsonl or .jsonl.zst) instead of a stored thread",
			},
			&cli.BoolFlag{
				Name:  "strict",
				Usage: "Treat orphaned tool calls as errors (overrides validation.strict)",
			},
		),
		Action: validateAction,
	}
}

func validateAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, events, err := threadEvents(c)
	if err != nil {
		return err
	}
	_, events = threadlog.SplitBlueprint(events)

	strict := cfg.Validation.Strict
	if c.IsSet("strict") {
		strict = c.Bool("strict")
	}

	result := validate.Validate(events, validate.Options{Strict: strict})
	if err := r.Render(result); err != nil {
		return err
	}
	if !result.Success {
		r.Status(render.LevelFail, "validation failed: %d errors", len(result.Errors))
		return cli.Exit("", 1)
	}
	if len(result.Warnings) > 0 {
		r.Status(render.LevelWarn, "validation passed with %d warnings", len(result.Warnings))
		return nil
	}
	r.Status(render.LevelOK, "validation passed: %d events", result.EventCount)
	return nil
}

// threadEvents reads the events named on the command line: the --file log
// when given, otherwise the stored thread named by the first argument.
func threadEvents(c *cli.Context) (*config.Config, []types.Event, error) {
	if path := c.String("file"); path != "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return nil, nil, cli.Exit(fmt.Sprintf("config: %v", err), 1)
		}
		events, err := threadlog.Read(path)
		if err != nil {
			return nil, nil, cli.Exit(fmt.Sprintf("read %s: %v", path, err), 1)
		}
		return cfg, events, nil
	}

	if c.NArg() < 1 {
		return nil, nil, cli.Exit("thread-id or --file required", 1)
	}
	threadID := c.Args().First()

	cfg, store, err := openStoreFromFlags(c)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = store.Close() }()

	events, err := store.Load(c.Context, threadID)
	if errors.Is(err, runtime.ErrThreadNotFound) {
		return nil, nil, cli.Exit(fmt.Sprintf("thread %s not found", threadID), 1)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load thread: %w", err)
	}
	return cfg, events, nil
}

// fileLoader serves a single log file as whatever thread is asked for.
type fileLoader struct {
	events []types.Event
}

func (l fileLoader) Load(context.Context, string) ([]types.Event, error) {
	return l.events, nil
}
