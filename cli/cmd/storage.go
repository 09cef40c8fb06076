package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/tributary/adapter"
	"github.com/pithecene-io/tributary/adapter/redis"
	"github.com/pithecene-io/tributary/adapter/webhook"
	"github.com/pithecene-io/tributary/cli/config"
	"github.com/pithecene-io/tributary/iox"
	"github.com/pithecene-io/tributary/lode"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/runtime"
	"github.com/pithecene-io/tributary/threadlog"
	"github.com/pithecene-io/tributary/threadlog/sqlite"
	"github.com/pithecene-io/tributary/types"
)

// errListUnsupported is returned by list on backends that cannot enumerate
// threads.
var errListUnsupported = errors.New("listing threads is not supported for lode backends")

// storage is an opened thread store. The sink, loader and list functions
// share the backend's resources, released by Close.
type storage struct {
	backend string
	cfg     config.StorageConfig

	loader   runtime.EventLoader
	openSink func(ctx context.Context, threadID string) (policy.Sink, error)
	list     func(ctx context.Context) ([]string, error)

	// lodeClient is set for lode backends, where metrics are persisted too.
	lodeClient *lode.LodeClient
	closers    []io.Closer
}

// openStorage opens the configured backend.
func openStorage(ctx context.Context, cfg config.StorageConfig) (*storage, error) {
	s := &storage{backend: cfg.Backend, cfg: cfg}

	switch cfg.Backend {
	case config.BackendJSONL:
		dir := cfg.Path
		s.loader = runtime.DirLoader{Dir: dir}
		s.openSink = func(_ context.Context, threadID string) (policy.Sink, error) {
			return threadlog.Create(threadlog.Path(dir, threadID))
		}
		s.list = func(context.Context) ([]string, error) {
			return threadlog.List(dir)
		}

	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		s.loader = sqliteLoader{store: store}
		s.openSink = func(ctx context.Context, threadID string) (policy.Sink, error) {
			return store.Sink(ctx, threadID)
		}
		s.list = store.Threads
		s.closers = append(s.closers, store)

	case config.BackendLodeFS, config.BackendLodeS3:
		client, err := openLodeClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.lodeClient = client
		s.loader = runtime.LodeLoader{Dataset: client.Dataset()}
		s.openSink = func(ctx context.Context, threadID string) (policy.Sink, error) {
			prior, err := lode.ReadThread(ctx, client.Dataset(), threadID)
			if err != nil && !errors.Is(err, lode.ErrThreadNotFound) {
				return nil, fmt.Errorf("read prior events: %w", err)
			}
			return lode.NewSinkFrom(threadID, client, int64(len(prior))+1), nil
		}
		s.list = func(context.Context) ([]string, error) {
			return nil, errListUnsupported
		}
		s.closers = append(s.closers, client)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	return s, nil
}

func openLodeClient(ctx context.Context, cfg config.StorageConfig) (*lode.LodeClient, error) {
	lcfg := lode.Config{Dataset: cfg.Dataset}
	if cfg.Backend == config.BackendLodeFS {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create lode root: %w", err)
		}
		return lode.NewLodeClient(lcfg, cfg.Path)
	}
	bucket, prefix := lode.ParseS3Path(cfg.Path)
	return lode.NewLodeS3Client(ctx, lcfg, lode.S3Config{
		Bucket:       bucket,
		Prefix:       prefix,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.S3PathStyle,
	})
}

// Sink opens a sink for threadID whose writes are counted on collector.
func (s *storage) Sink(ctx context.Context, threadID string, collector *metrics.Collector) (policy.Sink, error) {
	if err := threadlog.CheckID(threadID); err != nil {
		return nil, err
	}
	sink, err := s.openSink(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return lode.NewInstrumentedSink(sink, collector), nil
}

// Load reads a thread's stored history.
func (s *storage) Load(ctx context.Context, threadID string) ([]types.Event, error) {
	if err := threadlog.CheckID(threadID); err != nil {
		return nil, err
	}
	return s.loader.Load(ctx, threadID)
}

// Threads lists stored thread ids.
func (s *storage) Threads(ctx context.Context) ([]string, error) {
	return s.list(ctx)
}

// Location describes where threadID is stored, for completion events.
func (s *storage) Location(threadID string) string {
	switch s.backend {
	case config.BackendJSONL:
		return threadlog.Path(s.cfg.Path, threadID)
	case config.BackendSQLite:
		return s.cfg.Path + "#" + threadID
	default:
		return fmt.Sprintf("%s/%s/%s=%s", s.cfg.Path, s.cfg.Dataset, lode.PartitionThreadID, threadID)
	}
}

// WriteMetrics persists a metrics snapshot on lode backends and is a
// no-op elsewhere.
func (s *storage) WriteMetrics(ctx context.Context, snap metrics.Snapshot) error {
	if s.lodeClient == nil {
		return nil
	}
	return s.lodeClient.WriteMetrics(ctx, snap, time.Now())
}

// Close releases the backend.
func (s *storage) Close() error {
	return iox.CloseAll(s.closers...)
}

// sqliteLoader adapts a sqlite store to runtime.EventLoader.
type sqliteLoader struct {
	store *sqlite.Store
}

func (l sqliteLoader) Load(ctx context.Context, threadID string) ([]types.Event, error) {
	events, err := l.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%s: %w", threadID, runtime.ErrThreadNotFound)
	}
	return events, nil
}

// buildPolicy wraps sink in the configured ingestion policy.
func buildPolicy(cfg config.PolicyConfig, sink policy.Sink, logger *log.Logger) (policy.Policy, error) {
	switch cfg.Name {
	case config.PolicyStrict:
		return policy.NewStrictPolicy(sink), nil
	case config.PolicyStreaming:
		return policy.NewStreamingPolicy(sink, policy.StreamingConfig{
			FlushCount:    cfg.FlushCount,
			FlushInterval: cfg.FlushInterval.Duration,
			Logger:        logger,
		})
	case config.PolicyBuffered:
		return policy.NewBufferedPolicy(sink, policy.BufferedConfig{
			MaxBufferEvents: cfg.MaxBufferEvents,
			MaxBufferBytes:  cfg.MaxBufferBytes,
			Logger:          logger,
		})
	case config.PolicyNoop:
		// Nothing is persisted, so the sink is not needed.
		if err := sink.Close(); err != nil {
			return nil, fmt.Errorf("close unused sink: %w", err)
		}
		return policy.NewNoopPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown policy: %s (must be strict, streaming, buffered or noop)", cfg.Name)
	}
}

// buildAdapter returns the configured completion adapter, or nil when none
// is configured.
func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case config.AdapterRedis:
		a, err := redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: cfg.Retries,
		})
		if err != nil {
			return nil, fmt.Errorf("redis adapter: %w", err)
		}
		return a, nil
	case config.AdapterWebhook:
		a, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: cfg.Retries,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook adapter: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown adapter type: %s", cfg.Type)
	}
}
