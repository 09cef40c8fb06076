package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	lodelibrary "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/cli/config"
	"github.com/pithecene-io/tributary/cli/render"
	"github.com/pithecene-io/tributary/lode"
)

// statsTimeout bounds the dataset scan.
const statsTimeout = 30 * time.Second

// MetricsView is the latest persisted metrics record of an instance.
type MetricsView struct {
	Ts             string `json:"ts"`
	Instance       string `json:"instance,omitempty"`
	Policy         string `json:"policy"`
	StorageBackend string `json:"storage_backend"`

	ThreadsStarted   int64 `json:"threads_started"`
	ThreadsCompleted int64 `json:"threads_completed"`
	ThreadsFailed    int64 `json:"threads_failed"`
	ThreadsCancelled int64 `json:"threads_cancelled"`

	RawEvents       int64 `json:"raw_events"`
	EventsCondensed int64 `json:"events_condensed"`
	EventsFiltered  int64 `json:"events_filtered"`
	DeltasDropped   int64 `json:"deltas_dropped"`
	EventsPersisted int64 `json:"events_persisted"`

	ExecutorLaunches int64 `json:"executor_launches"`
	ExecutorFailures int64 `json:"executor_failures"`
	ExecutorCrashes  int64 `json:"executor_crashes"`
	IPCDecodeErrors  int64 `json:"ipc_decode_errors"`

	SinkWriteSuccess int64 `json:"sink_write_success"`
	SinkWriteFailure int64 `json:"sink_write_failure"`

	MutationsApplied  int64 `json:"mutations_applied"`
	MutationsSkipped  int64 `json:"mutations_skipped"`
	MutationsFailed   int64 `json:"mutations_failed"`
	ValidationsPassed int64 `json:"validations_passed"`
	ValidationsFailed int64 `json:"validations_failed"`

	StreamsOpened   int64 `json:"streams_opened"`
	FramesEmitted   int64 `json:"frames_emitted"`
	SourceErrors    int64 `json:"source_errors"`
	CleanupTimeouts int64 `json:"cleanup_timeouts"`
}

// StatsCommand returns the stats command.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show the latest persisted metrics (lode backends only)",
		Flags: append(StoreFlags(),
			&cli.StringFlag{
				Name:  "instance",
				Usage: "Only consider metrics written by this instance",
			},
		),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, statsTimeout)
	defer cancel()

	ds, err := buildReadDataset(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage reader: %w", err)
	}

	record, err := lode.QueryLatestMetrics(ctx, ds, c.String("instance"))
	if errors.Is(err, lode.ErrNoMetricsFound) {
		r.Status(render.LevelWarn, "no metrics recorded in dataset %q", cfg.Storage.Dataset)
		return cli.Exit("", 1)
	}
	if err != nil {
		return fmt.Errorf("failed to read metrics: %w", err)
	}

	view, err := parseMetricsRecord(record)
	if err != nil {
		return fmt.Errorf("failed to parse metrics record: %w", err)
	}
	return r.Render(view)
}

// buildReadDataset opens the configured lode dataset for reading.
func buildReadDataset(ctx context.Context, cfg config.StorageConfig) (lodelibrary.Dataset, error) {
	switch cfg.Backend {
	case config.BackendLodeFS:
		return lode.NewReadDatasetFS(cfg.Dataset, cfg.Path)
	case config.BackendLodeS3:
		bucket, prefix := lode.ParseS3Path(cfg.Path)
		return lode.NewReadDatasetS3(ctx, cfg.Dataset, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("storage backend %q does not persist metrics (use %s or %s)",
			cfg.Backend, config.BackendLodeFS, config.BackendLodeS3)
	}
}

// parseMetricsRecord converts a metrics record back into a view. Numbers
// arrive as int64 from in-process writes and float64 after a JSON round
// trip.
func parseMetricsRecord(record map[string]any) (*MetricsView, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}

	v := &MetricsView{
		Ts:             toString(record["ts"]),
		Instance:       toString(record["instance"]),
		Policy:         toString(record["policy"]),
		StorageBackend: toString(record["storage_backend"]),

		ThreadsStarted:   toInt64(record["threads_started"]),
		ThreadsCompleted: toInt64(record["threads_completed"]),
		ThreadsFailed:    toInt64(record["threads_failed"]),
		ThreadsCancelled: toInt64(record["threads_cancelled"]),

		RawEvents:       toInt64(record["raw_events"]),
		EventsCondensed: toInt64(record["events_condensed"]),
		EventsFiltered:  toInt64(record["events_filtered"]),
		DeltasDropped:   toInt64(record["deltas_dropped"]),
		EventsPersisted: toInt64(record["events_persisted"]),

		ExecutorLaunches: toInt64(record["executor_launches"]),
		ExecutorFailures: toInt64(record["executor_failures"]),
		ExecutorCrashes:  toInt64(record["executor_crashes"]),
		IPCDecodeErrors:  toInt64(record["ipc_decode_errors"]),

		SinkWriteSuccess: toInt64(record["sink_write_success"]),
		SinkWriteFailure: toInt64(record["sink_write_failure"]),

		MutationsApplied:  toInt64(record["mutations_applied"]),
		MutationsSkipped:  toInt64(record["mutations_skipped"]),
		MutationsFailed:   toInt64(record["mutations_failed"]),
		ValidationsPassed: toInt64(record["validations_passed"]),
		ValidationsFailed: toInt64(record["validations_failed"]),

		StreamsOpened:   toInt64(record["streams_opened"]),
		FramesEmitted:   toInt64(record["frames_emitted"]),
		SourceErrors:    toInt64(record["source_errors"]),
		CleanupTimeouts: toInt64(record["cleanup_timeouts"]),
	}

	// The write path always sets these.
	if v.Ts == "" {
		return nil, errors.New("metrics record missing required field: ts")
	}
	if v.Policy == "" {
		return nil, errors.New("metrics record missing required field: policy")
	}
	if v.StorageBackend == "" {
		return nil, errors.New("metrics record missing required field: storage_backend")
	}
	return v, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
