package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Storage backends.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
	BackendLodeFS = "lode-fs"
	BackendLodeS3 = "lode-s3"
)

// Policies.
const (
	PolicyStrict    = "strict"
	PolicyStreaming = "streaming"
	PolicyNoop      = "noop"
	PolicyBuffered  = "buffered"
)

// Adapter types.
const (
	AdapterRedis   = "redis"
	AdapterWebhook = "webhook"
)

// Config represents a tributary.yaml configuration file.
// Values from the file are overlaid by TRIBUTARY_* environment variables,
// and CLI flags override both.
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Engine     EngineConfig     `yaml:"engine" envPrefix:"ENGINE_"`
	Storage    StorageConfig    `yaml:"storage" envPrefix:"STORAGE_"`
	Policy     PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`
	Multiplex  MultiplexConfig  `yaml:"multiplex" envPrefix:"MULTIPLEX_"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Validation ValidationConfig `yaml:"validation" envPrefix:"VALIDATION_"`
	Replay     ReplayConfig     `yaml:"replay" envPrefix:"REPLAY_"`
	Adapter    AdapterConfig    `yaml:"adapter" envPrefix:"ADAPTER_"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string   `yaml:"addr" env:"ADDR"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// EngineConfig describes the engine process started for each thread turn.
type EngineConfig struct {
	Command string   `yaml:"command" env:"COMMAND"`
	Args    []string `yaml:"args" env:"ARGS"`
	Env     []string `yaml:"env" env:"ENV"`
	Dir     string   `yaml:"dir" env:"DIR"`
	// Deadline bounds a single turn. Zero means no deadline.
	Deadline Duration `yaml:"deadline" env:"DEADLINE"`
}

// StorageConfig selects where condensed thread logs are kept.
//
// Path is interpreted per backend: a directory for jsonl and lode-fs, a
// database file for sqlite, and bucket/prefix for lode-s3.
type StorageConfig struct {
	Backend     string `yaml:"backend" env:"BACKEND"`
	Path        string `yaml:"path" env:"PATH"`
	Dataset     string `yaml:"dataset" env:"DATASET"`
	Region      string `yaml:"region" env:"REGION"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	S3PathStyle bool   `yaml:"s3_path_style" env:"S3_PATH_STYLE"`
	// ArchiveDir receives compressed jsonl logs from the archive command.
	ArchiveDir string `yaml:"archive_dir" env:"ARCHIVE_DIR"`
}

// PolicyConfig holds ingestion policy settings.
type PolicyConfig struct {
	Name          string   `yaml:"name" env:"NAME"`
	FlushCount    int      `yaml:"flush_count" env:"FLUSH_COUNT"`
	FlushInterval Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	// Buffered policy limits for one turn.
	MaxBufferEvents int   `yaml:"max_buffer_events" env:"MAX_BUFFER_EVENTS"`
	MaxBufferBytes  int64 `yaml:"max_buffer_bytes" env:"MAX_BUFFER_BYTES"`
}

// MultiplexConfig holds stream multiplexer settings.
type MultiplexConfig struct {
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// LifecycleConfig holds task lifecycle settings.
type LifecycleConfig struct {
	CleanupTimeout Duration `yaml:"cleanup_timeout" env:"CLEANUP_TIMEOUT"`
}

// ValidationConfig holds order validator settings.
type ValidationConfig struct {
	Strict bool `yaml:"strict" env:"STRICT"`
}

// ReplayConfig lists the component prefixes rebuilt by replay.
type ReplayConfig struct {
	Components []string `yaml:"components" env:"COMPONENTS"`
}

// AdapterConfig holds completion adapter settings. An empty Type disables
// publishing.
type AdapterConfig struct {
	Type    string            `yaml:"type" env:"TYPE"`
	URL     string            `yaml:"url" env:"URL"`
	Channel string            `yaml:"channel,omitempty" env:"CHANNEL"`
	Headers map[string]string `yaml:"headers,omitempty" env:"HEADERS"`
	Timeout Duration          `yaml:"timeout,omitempty" env:"TIMEOUT"`
	Retries int               `yaml:"retries" env:"RETRIES"`
}

// TelemetryConfig holds tracing settings. An empty Endpoint disables
// export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Storage: StorageConfig{
			Backend: BackendJSONL,
			Path:    "threads",
			Dataset: "tributary",
		},
		Policy: PolicyConfig{
			Name:          PolicyStrict,
			FlushCount:    50,
			FlushInterval: Duration{time.Second},

			MaxBufferEvents: 1000,
			MaxBufferBytes:  10 << 20,
		},
		Multiplex: MultiplexConfig{QueueSize: 10},
		Lifecycle: LifecycleConfig{CleanupTimeout: Duration{time.Second}},
		Adapter:   AdapterConfig{Retries: 3},
		Telemetry: TelemetryConfig{ServiceName: "tributary", SampleRatio: 1},
		Log:       LogConfig{Level: "info"},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var err error

	switch c.Storage.Backend {
	case BackendJSONL, BackendSQLite, BackendLodeFS, BackendLodeS3:
	default:
		err = multierr.Append(err, fmt.Errorf(
			"storage.backend %q must be one of jsonl, sqlite, lode-fs, lode-s3", c.Storage.Backend))
	}
	if c.Storage.Path == "" {
		err = multierr.Append(err, errors.New("storage.path is required"))
	}

	switch c.Policy.Name {
	case PolicyStrict, PolicyNoop:
	case PolicyStreaming:
		if c.Policy.FlushCount <= 0 && c.Policy.FlushInterval.Duration <= 0 {
			err = multierr.Append(err, errors.New(
				"streaming policy requires policy.flush_count > 0 or policy.flush_interval > 0"))
		}
	case PolicyBuffered:
		if c.Policy.MaxBufferEvents <= 0 && c.Policy.MaxBufferBytes <= 0 {
			err = multierr.Append(err, errors.New(
				"buffered policy requires policy.max_buffer_events > 0 or policy.max_buffer_bytes > 0"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf(
			"policy.name %q must be one of strict, streaming, buffered, noop", c.Policy.Name))
	}

	switch c.Adapter.Type {
	case "":
	case AdapterRedis, AdapterWebhook:
		if c.Adapter.URL == "" {
			err = multierr.Append(err, fmt.Errorf("adapter.url is required for %s adapter", c.Adapter.Type))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("adapter.type %q must be redis or webhook", c.Adapter.Type))
	}
	if c.Adapter.Retries < 0 {
		err = multierr.Append(err, errors.New("adapter.retries must not be negative"))
	}

	if c.Multiplex.QueueSize < 0 {
		err = multierr.Append(err, errors.New("multiplex.queue_size must not be negative"))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		err = multierr.Append(err, fmt.Errorf("telemetry.sample_ratio %v must be within [0, 1]", r))
	}
	return err
}

// Duration wraps time.Duration for YAML and environment parsing
// (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText parses a duration string. Empty input leaves d unchanged.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
