package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/iox"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/replay"
	"github.com/pithecene-io/tributary/server"
	"github.com/pithecene-io/tributary/telemetry"
)

// flushTimeout bounds the work done after the server has stopped.
const flushTimeout = 10 * time.Second

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the chat, halt and thread APIs over HTTP",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides server.addr)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides log.level)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
	}

	logger := log.NewLogger("server")
	logger.SetLevel(cfg.Log.Level)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", map[string]any{"error": err.Error()})
		}
	}()

	collector := metrics.NewCollector(cfg.Policy.Name, cfg.Storage.Backend, instanceName())
	eng, err := openEngine(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}

	// Metrics are persisted after the adapter closes and before storage.
	persistMetrics := iox.CloserFunc(func() error {
		writeCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		return eng.store.WriteMetrics(writeCtx, collector.Snapshot())
	})
	closers := []io.Closer{eng.store, persistMetrics}
	if eng.adapter != nil {
		closers = append(closers, eng.adapter)
	}

	srv, err := server.New(server.Config{
		Addr:             cfg.Server.Addr,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout.Duration,
		QueueSize:        cfg.Multiplex.QueueSize,
		CleanupTimeout:   cfg.Lifecycle.CleanupTimeout.Duration,
		StrictValidation: cfg.Validation.Strict,
		Streams:          eng.Stream,
		Loader:           eng.store.loader,
		Components:       componentFactory(cfg.Replay.Components),
		Closers:          closers,
		Logger:           logger,
		Collector:        collector,
	})
	if err != nil {
		return closeOnError(err, closers)
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("server: %v", err), 1)
	}

	snap := collector.Snapshot()
	logger.Info("server stopped", map[string]any{
		"threads_started":   snap.ThreadsStarted,
		"threads_completed": snap.ThreadsCompleted,
		"threads_failed":    snap.ThreadsFailed,
		"threads_cancelled": snap.ThreadsCancelled,
	})
	return nil
}

// componentFactory builds fresh snapshot components for each state
// request, one per configured prefix.
func componentFactory(prefixes []string) server.ComponentFactory {
	if len(prefixes) == 0 {
		return nil
	}
	return func() []replay.Component {
		components := make([]replay.Component, 0, len(prefixes))
		for _, prefix := range prefixes {
			components = append(components, replay.NewSnapshotComponent(prefix))
		}
		return components
	}
}

// closeOnError releases closers after a setup failure, keeping err first.
func closeOnError(err error, closers []io.Closer) error {
	if closeErr := iox.CloseAll(closers...); closeErr != nil {
		return fmt.Errorf("%w (close: %v)", err, closeErr)
	}
	return err
}
