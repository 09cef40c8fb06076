package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/cli/config"
	"github.com/pithecene-io/tributary/cli/render"
)

// listWarningThreshold is the number of items above which we warn about using --limit.
const listWarningThreshold = 100

// ThreadListItem is one row of the list command.
type ThreadListItem struct {
	ThreadID string `json:"thread_id"`
	Location string `json:"location"`
}

// ListCommand returns the list command.
// List returns thin rows; use inspect for detail.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List stored threads (jsonl and sqlite backends)",
		Flags: append(StoreFlags(),
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of threads to return (0 = no limit)",
				Value: 0,
			},
		),
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	_, store, err := openStoreFromFlags(c)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ids, err := store.Threads(c.Context)
	if errors.Is(err, errListUnsupported) {
		return cli.Exit(err.Error(), 1)
	}
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}

	limit := c.Int("limit")
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	// Warn if output is large and --limit was not specified (TTY only to avoid noise in pipelines)
	if len(ids) > listWarningThreshold && limit == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(ids))
	}

	items := make([]ThreadListItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, ThreadListItem{ThreadID: id, Location: store.Location(id)})
	}
	return r.Render(items)
}

// openStoreFromFlags loads --config and opens its storage backend.
func openStoreFromFlags(c *cli.Context) (*config.Config, *storage, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}
	store, err := openStorage(c.Context, cfg.Storage)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("open storage: %v", err), 1)
	}
	return cfg, store, nil
}
