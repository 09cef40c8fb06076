// Package main provides the tributary CLI entrypoint.
//
// Usage:
//
//	tributary <command> [subcommand] [options]
//
// Exit codes for `run`:
//   - 0: turn completed (finish)
//   - 1: engine error (error or abort)
//   - 2: engine crash, or invalid input before the engine started
//   - 3: policy failure
//   - 4: turn cancelled
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/cli/cmd"
	"github.com/pithecene-io/tributary/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

// Replaced in tests.
var (
	osExit              = os.Exit
	stderr    io.Writer = os.Stderr
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		// This branch handles unexpected errors that weren't wrapped.
		osExit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "tributary",
		Usage:          "Event protocol engine for streamed agent threads",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.RunCommand(),
			cmd.CondenseCommand(),
			cmd.ValidateCommand(),
			cmd.ReplayCommand(),
			cmd.InspectCommand(),
			cmd.ListCommand(),
			cmd.ArchiveCommand(),
			cmd.StatsCommand(),
			cmd.DebugCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from
// cli.Exit so that run outcomes reach the shell.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	// Check for ExitCoder (from cli.Exit), handles wrapped errors
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() is empty or "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(stderr, msg)
		}
		osExit(code)
		return
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	osExit(1)
}
