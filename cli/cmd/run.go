package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/iox"
	"github.com/pithecene-io/tributary/ipc"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/runtime"
	"github.com/pithecene-io/tributary/server"
	"github.com/pithecene-io/tributary/types"
)

// Exit codes of the run command.
const (
	exitSuccess       = 0
	exitEngineError   = 1
	exitExecutorCrash = 2
	exitPolicyFailure = 3
	exitCancelled     = 4
)

// RunCommand returns the run command, which executes one thread turn
// through the configured engine without the HTTP server.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run one thread turn and stream its events to stdout as SSE",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:     "thread-id",
				Usage:    "Thread ID",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "turn",
				Usage: "Turn number (starts at 1)",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "input",
				Usage: "Turn input as JSON",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write a JSON run report to this path (- for stderr)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress live events and the result summary",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitExecutorCrash)
	}
	if c.Int("turn") < 1 {
		return cli.Exit("--turn must be >= 1", exitExecutorCrash)
	}

	var input any
	if raw := c.String("input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return cli.Exit(fmt.Sprintf("invalid input JSON: %v", err), exitExecutorCrash)
		}
	}

	logger := log.NewLogger("run")
	logger.SetLevel(cfg.Log.Level)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(cfg.Policy.Name, cfg.Storage.Backend, instanceName())
	eng, err := openEngine(ctx, cfg, logger, collector)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open engine: %v", err), exitExecutorCrash)
	}
	defer func() { _ = iox.CloseAll(eng.closers()...) }()

	return runTurn(ctx, c, eng, server.ThreadRequest{
		ThreadID: c.String("thread-id"),
		Turn:     c.Int("turn"),
		Input:    input,
	})
}

// runTurn executes one turn on eng and maps its outcome to an exit code.
func runTurn(ctx context.Context, c *cli.Context, eng *engine, req server.ThreadRequest) error {
	quiet := c.Bool("quiet")
	out := c.App.Writer

	t, err := eng.prepare(ctx, req)
	if err != nil {
		return cli.Exit(fmt.Sprintf("prepare thread: %v", err), exitExecutorCrash)
	}

	var emit runtime.EmitFunc
	if !quiet {
		emit = sseWriter(out)
	}
	result, err := t.run.Execute(ctx, emit)
	if closeErr := t.Close(); closeErr != nil {
		eng.logger.Warn("policy close failed", map[string]any{"error": closeErr.Error()})
	}
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	if !quiet {
		_, _ = out.Write(ipc.DoneFrame)
	}

	exitCode := outcomeToExitCode(result.Outcome.Status)
	snap := eng.collector.Snapshot()

	if path := c.String("report"); path != "" {
		report := runtime.BuildThreadReport(result, snap, eng.cfg.Policy.Name, exitCode)
		if err := runtime.WriteThreadReport(report, path); err != nil {
			eng.logger.Warn("report write failed", map[string]any{"error": err.Error()})
		}
	}
	if err := eng.store.WriteMetrics(context.WithoutCancel(ctx), snap); err != nil {
		eng.logger.Warn("metrics write failed", map[string]any{"error": err.Error()})
	}

	if !quiet {
		printThreadResult(c.App.ErrWriter, result, eng.cfg.Policy.Name)
	}
	return cli.Exit("", exitCode)
}

// sseWriter emits each live event as one SSE frame on w.
func sseWriter(w io.Writer) runtime.EmitFunc {
	return func(ev types.Event) error {
		frame, err := ipc.EncodeSSE(ev)
		if err != nil {
			return err
		}
		_, err = w.Write(frame)
		return err
	}
}

func outcomeToExitCode(status types.OutcomeStatus) int {
	switch status {
	case types.OutcomeCompleted:
		return exitSuccess
	case types.OutcomeEngineError:
		return exitEngineError
	case types.OutcomeExecutorCrash:
		return exitExecutorCrash
	case types.OutcomePolicyFailure:
		return exitPolicyFailure
	case types.OutcomeCancelled:
		return exitCancelled
	default:
		return exitEngineError
	}
}

func printThreadResult(w io.Writer, result *runtime.ThreadResult, policyName string) {
	fmt.Fprintf(w, "\nthread_id=%s, turn=%d, outcome=%s, duration=%s\n",
		result.Meta.ThreadID,
		result.Meta.Turn,
		result.Outcome.Status,
		result.Duration.Round(time.Millisecond),
	)
	if result.Outcome.Message != "" {
		fmt.Fprintf(w, "message=%s\n", result.Outcome.Message)
	}
	fmt.Fprintf(w, "policy=%s, received=%d, persisted=%d, flushes=%d\n",
		policyName,
		result.PolicyStats.TotalEvents,
		result.PolicyStats.EventsPersisted,
		result.PolicyStats.FlushCount,
	)
	fmt.Fprintf(w, "ingested=%d, condensed=%d, filtered=%d, dropped=%d\n",
		result.Ingestion.Received,
		result.Ingestion.Condense.Emitted,
		result.Ingestion.Condense.Filtered,
		result.Ingestion.Condense.Dropped,
	)

	if result.StderrOutput != "" {
		fmt.Fprintf(w, "\n=== Engine Stderr ===\n%s", result.StderrOutput)
	}
}
