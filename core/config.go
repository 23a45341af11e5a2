package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service-level configuration. It supports three-layer
// priority:
//  1. Default values (lowest)
//  2. YAML configuration file
//  3. Environment variables (highest)
//
// Component packages define their own config structs; the composition
// root translates the relevant sections when wiring them.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Health     HealthConfig     `yaml:"health"`
	Events     EventsConfig     `yaml:"events"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Transcoder TranscoderConfig `yaml:"transcoder"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// JobsConfig controls admission routing and the worker pool.
type JobsConfig struct {
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	QuickThreshold    Duration `yaml:"quick_threshold"`
	ProcessingTimeout Duration `yaml:"processing_timeout"`
}

// ResilienceConfig sizes the default circuit breakers and bulkheads.
type ResilienceConfig struct {
	FailureThreshold    int      `yaml:"failure_threshold"`
	RecoveryTimeout     Duration `yaml:"recovery_timeout"`
	MonitoringPeriod    Duration `yaml:"monitoring_period"`
	MaxConcurrentCalls  int      `yaml:"max_concurrent_calls"`
	BulkheadQueueSize   int      `yaml:"bulkhead_queue_size"`
	BulkheadMaxWaitTime Duration `yaml:"bulkhead_max_wait_time"`
	MetricsInterval     Duration `yaml:"metrics_interval"`
}

// HealthConfig controls periodic health checks.
type HealthConfig struct {
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	HistorySize int      `yaml:"history_size"`
}

// EventsConfig bounds the event bus retention.
type EventsConfig struct {
	HistorySize    int `yaml:"history_size"`
	DeadLetterSize int `yaml:"dead_letter_size"`
}

// RedisConfig enables the Redis-backed job store and the cross-node
// event transport. Disabled by default; the service is fully functional
// in-memory.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig locates the artifact blob store.
type StorageConfig struct {
	OutputDir string `yaml:"output_dir"`
	Bucket    string `yaml:"bucket"`
	BaseURL   string `yaml:"base_url"`
}

// TranscoderConfig selects the media renderer.
type TranscoderConfig struct {
	Binary    string   `yaml:"binary"`
	WorkDir   string   `yaml:"work_dir"`
	Fake      bool     `yaml:"fake"`
	FakeDelay Duration `yaml:"fake_delay"`
}

// LoggingConfig controls the production logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json", "text", or "" for auto-detect
}

// TelemetryConfig controls the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    0, // SSE streams must not be cut by a write deadline
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Jobs: JobsConfig{
			MaxConcurrentJobs: 2,
			QuickThreshold:    Duration(30 * time.Second),
			ProcessingTimeout: Duration(10 * time.Minute),
		},
		Resilience: ResilienceConfig{
			FailureThreshold:    5,
			RecoveryTimeout:     Duration(30 * time.Second),
			MonitoringPeriod:    Duration(60 * time.Second),
			MaxConcurrentCalls:  10,
			BulkheadQueueSize:   20,
			BulkheadMaxWaitTime: Duration(5 * time.Second),
			MetricsInterval:     Duration(30 * time.Second),
		},
		Health: HealthConfig{
			Interval:    Duration(30 * time.Second),
			Timeout:     Duration(5 * time.Second),
			Retries:     2,
			HistorySize: 100,
		},
		Events: EventsConfig{
			HistorySize:    1000,
			DeadLetterSize: 100,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Storage: StorageConfig{
			OutputDir: "/var/lib/videoapi/output",
			Bucket:    "videoapi-artifacts",
			BaseURL:   "http://localhost:8080/artifacts",
		},
		Transcoder: TranscoderConfig{
			Binary:    "ffmpeg",
			WorkDir:   os.TempDir(),
			Fake:      false,
			FakeDelay: Duration(200 * time.Millisecond),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "videoapi",
		},
	}
}

// LoadConfig builds a Config from defaults, an optional YAML file, and
// environment overrides, then validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides reads the documented environment variables.
func (c *Config) applyEnvOverrides() {
	envInt("MAX_CONCURRENT_JOBS", &c.Jobs.MaxConcurrentJobs)
	envDurationMs("QUICK_THRESHOLD_MS", &c.Jobs.QuickThreshold)
	envDurationMs("PROCESSING_TIMEOUT_MS", &c.Jobs.ProcessingTimeout)

	envInt("CB_FAILURE_THRESHOLD", &c.Resilience.FailureThreshold)
	envDurationMs("CB_RECOVERY_TIMEOUT_MS", &c.Resilience.RecoveryTimeout)
	envInt("BULKHEAD_MAX_CONCURRENT", &c.Resilience.MaxConcurrentCalls)
	envInt("BULKHEAD_QUEUE_SIZE", &c.Resilience.BulkheadQueueSize)
	envDurationMs("BULKHEAD_MAX_WAIT_MS", &c.Resilience.BulkheadMaxWaitTime)

	envDurationMs("HEALTH_CHECK_INTERVAL_MS", &c.Health.Interval)
	envDurationMs("HEALTH_CHECK_TIMEOUT_MS", &c.Health.Timeout)

	envInt("EVENT_HISTORY_SIZE", &c.Events.HistorySize)
	envInt("DEAD_LETTER_SIZE", &c.Events.DeadLetterSize)

	envInt("VIDEOAPI_PORT", &c.Server.Port)
	envString("VIDEOAPI_LOG_LEVEL", &c.Logging.Level)
	envString("VIDEOAPI_LOG_FORMAT", &c.Logging.Format)

	envString("REDIS_ADDR", &c.Redis.Addr)
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = v == "true" || v == "1"
	}
	envString("REDIS_PASSWORD", &c.Redis.Password)

	envString("STORAGE_OUTPUT_DIR", &c.Storage.OutputDir)
	envString("STORAGE_BASE_URL", &c.Storage.BaseURL)

	envString("TRANSCODER_BINARY", &c.Transcoder.Binary)
	if v := os.Getenv("TRANSCODER_FAKE"); v != "" {
		c.Transcoder.Fake = v == "true" || v == "1"
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrValidation, c.Server.Port)
	}
	if c.Jobs.MaxConcurrentJobs < 1 {
		return fmt.Errorf("%w: max_concurrent_jobs must be at least 1", ErrValidation)
	}
	if c.Jobs.QuickThreshold <= 0 {
		return fmt.Errorf("%w: quick_threshold must be positive", ErrValidation)
	}
	if c.Jobs.ProcessingTimeout <= 0 {
		return fmt.Errorf("%w: processing_timeout must be positive", ErrValidation)
	}
	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure_threshold must be at least 1", ErrValidation)
	}
	if c.Events.HistorySize < 1 {
		return fmt.Errorf("%w: event history_size must be at least 1", ErrValidation)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis enabled but no address configured", ErrValidation)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDurationMs(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = Duration(time.Duration(n) * time.Millisecond)
		}
	}
}
