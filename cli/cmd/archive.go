package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/cli/config"
	"github.com/pithecene-io/tributary/cli/render"
	"github.com/pithecene-io/tributary/threadlog"
)

// ArchiveRow reports one archived thread log.
type ArchiveRow struct {
	ThreadID    string `json:"thread_id"`
	Destination string `json:"destination"`
	BytesIn     int64  `json:"bytes_in"`
	BytesOut    int64  `json:"bytes_out"`
	Removed     bool   `json:"removed"`
}

// ArchiveCommand returns the archive command.
func ArchiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "Compress finished jsonl thread logs with zstd",
		ArgsUsage: "[thread-id...]",
		Flags: append(StoreFlags(),
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Archive every uncompressed log in storage.path",
			},
			&cli.BoolFlag{
				Name:  "remove",
				Usage: "Delete each original after a successful archive",
			},
			&cli.StringFlag{
				Name:  "dest",
				Usage: "Directory for archives (overrides storage.archive_dir; default: next to the log)",
			},
		),
		Action: archiveAction,
	}
}

func archiveAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}
	if cfg.Storage.Backend != config.BackendJSONL {
		return cli.Exit(fmt.Sprintf("archive requires the %s backend, not %s", config.BackendJSONL, cfg.Storage.Backend), 1)
	}

	ids := c.Args().Slice()
	switch {
	case c.Bool("all") && len(ids) > 0:
		return cli.Exit("--all cannot be combined with thread ids", 1)
	case c.Bool("all"):
		ids, err = threadlog.List(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}
	case len(ids) == 0:
		return cli.Exit("thread ids or --all required", 1)
	}

	dest := cfg.Storage.ArchiveDir
	if c.IsSet("dest") {
		dest = c.String("dest")
	}
	if dest != "" {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
	}

	rows := make([]ArchiveRow, 0, len(ids))
	var failed int
	for _, id := range ids {
		if err := threadlog.CheckID(id); err != nil {
			failed++
			r.Status(render.LevelFail, "%s: %v", id, err)
			continue
		}
		src := threadlog.Path(cfg.Storage.Path, id)
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			// Already compressed, or never written.
			if !c.Bool("all") {
				r.Status(render.LevelWarn, "%s: no uncompressed log", id)
			}
			continue
		}

		var dst string
		if dest != "" {
			dst = filepath.Join(dest, id+threadlog.CompressedExt)
		}
		stats, err := threadlog.Archive(src, dst, c.Bool("remove"))
		if err != nil {
			failed++
			r.Status(render.LevelFail, "%s: %v", id, err)
			continue
		}
		rows = append(rows, ArchiveRow{
			ThreadID:    id,
			Destination: stats.Destination,
			BytesIn:     stats.BytesIn,
			BytesOut:    stats.BytesOut,
			Removed:     stats.RemovedOriginal,
		})
	}

	if err := r.Render(rows); err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}
