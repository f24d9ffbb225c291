// Package config holds all configuration types and loading logic for poplog.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a poplog server instance.
type Config struct {
	Node      NodeConfig     `yaml:"node"`
	Storage   StorageConfig  `yaml:"storage"`
	Store     StoreConfig    `yaml:"store"`
	Lease     LeaseConfig    `yaml:"lease"`
	Snapshot  SnapshotConfig `yaml:"snapshot"`
	Producers ProducerConfig `yaml:"producers"`
	HTTP      HTTPConfig     `yaml:"http"`
	Auth      AuthConfig     `yaml:"auth"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Breaker   BreakerConfig  `yaml:"breaker"`
	Webhooks  WebhookConfig  `yaml:"webhooks"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// FsyncPolicy controls when data is flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // safest, slowest
	FsyncInterval FsyncPolicy = "interval" // flush every FsyncIntervalMs
	FsyncBatch    FsyncPolicy = "batch"    // flush every FsyncBatchSize writes
	FsyncNever    FsyncPolicy = "never"    // fastest, unsafe (dev/test only)
)

// StorageConfig controls how streams are persisted on disk.
type StorageConfig struct {
	Fsync           FsyncPolicy `yaml:"fsync"`
	FsyncIntervalMs int         `yaml:"fsync_interval_ms"`
	FsyncBatchSize  int         `yaml:"fsync_batch_size"`
	// CompactionInterval is how often trimmed stream prefixes are reclaimed
	// from disk.
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	// ReclaimInterval is how often acknowledged message bodies are trimmed.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	// MaxMessageSizeKB caps the body size of a single message.
	MaxMessageSizeKB int `yaml:"max_message_size_kb"`
}

// StoreConfig bounds a single pop.
type StoreConfig struct {
	MaxFetchCount int           `yaml:"max_fetch_count"`
	MaxFetchBytes int64         `yaml:"max_fetch_bytes"`
	MaxFetchTime  time.Duration `yaml:"max_fetch_time"`
}

// LeaseConfig sets lease defaults and operation log behaviour for every queue.
type LeaseConfig struct {
	DefaultInvisibleDuration time.Duration `yaml:"default_invisible_duration"`
	// MaxDeliveryAttempts turns a message DEAD after this many leases.
	// 0 = unlimited.
	MaxDeliveryAttempts int32 `yaml:"max_delivery_attempts"`
	// IdempotencyWindow is how many ACKED and DEAD markers each queue keeps.
	// ACKED markers answer retried acks with their original serial.
	IdempotencyWindow int           `yaml:"idempotency_window"`
	AppendTimeout     time.Duration `yaml:"append_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	// RecoveryParallelism bounds how many queues recover at once on startup.
	RecoveryParallelism int `yaml:"recovery_parallelism"`
}

// SnapshotConfig controls when queue state is snapshotted.
type SnapshotConfig struct {
	EveryOps uint64        `yaml:"every_ops"`
	Interval time.Duration `yaml:"interval"`
}

// ProducerConfig sets rate limiting applied to publishes per topic.
type ProducerConfig struct {
	// MaxRate is messages per second per topic. 0 = unlimited.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// HTTPConfig sets per-client request limits.
type HTTPConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the OpenTelemetry metrics exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"`
	Insecure bool          `yaml:"insecure"`
}

// BreakerConfig controls the circuit breaker guarding stream appends.
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Failures is the number of consecutive append failures that open it.
	Failures    uint32        `yaml:"failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// WebhookConfig tunes push delivery to registered webhook subscriptions.
type WebhookConfig struct {
	// Timeout bounds a single POST to a subscriber.
	Timeout time.Duration `yaml:"timeout"`
	// Wait is how long each delivery loop long-polls its queue.
	Wait      time.Duration `yaml:"wait"`
	BatchSize int           `yaml:"batch_size"`
	// Failures is the number of consecutive failed POSTs that open an
	// endpoint's breaker.
	Failures    uint32        `yaml:"failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Fsync:              FsyncInterval,
			FsyncIntervalMs:    1000,
			FsyncBatchSize:     1000,
			CompactionInterval: time.Hour,
			ReclaimInterval:    time.Minute,
			MaxMessageSizeKB:   4096,
		},
		Store: StoreConfig{
			MaxFetchCount: 1000,
			MaxFetchBytes: 10 << 20,
			MaxFetchTime:  10 * time.Second,
		},
		Lease: LeaseConfig{
			DefaultInvisibleDuration: 30 * time.Second,
			MaxDeliveryAttempts:      16,
			IdempotencyWindow:        10_000,
			AppendTimeout:            5 * time.Second,
			PollInterval:             time.Second,
			RecoveryParallelism:      4,
		},
		Snapshot: SnapshotConfig{
			EveryOps: 10_000,
			Interval: time.Minute,
		},
		Producers: ProducerConfig{
			MaxRate: 10_000,
			Burst:   50_000,
		},
		HTTP: HTTPConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Interval: 15 * time.Second,
			Insecure: true,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			Failures:    5,
			OpenTimeout: 10 * time.Second,
		},
		Webhooks: WebhookConfig{
			Timeout:     10 * time.Second,
			Wait:        5 * time.Second,
			BatchSize:   10,
			Failures:    5,
			OpenTimeout: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run poplog with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	POPLOG_AUTH_API_KEY   — sets auth.api_key and enables auth (auth.enabled = true)
//	POPLOG_DATA_DIR       — sets node.data_dir
//	POPLOG_PORT           — sets node.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("POPLOG_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("POPLOG_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("POPLOG_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncInterval, FsyncBatch, FsyncNever:
		// valid
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "batch", "never"`)
	}
	if c.Storage.MaxMessageSizeKB < 1 {
		return errors.New("storage.max_message_size_kb must be at least 1")
	}
	if c.Store.MaxFetchCount < 1 {
		return errors.New("store.max_fetch_count must be at least 1")
	}
	if c.Store.MaxFetchBytes < 1 {
		return errors.New("store.max_fetch_bytes must be at least 1")
	}
	if c.Store.MaxFetchTime < 0 {
		return errors.New("store.max_fetch_time must be >= 0")
	}
	if c.Lease.DefaultInvisibleDuration <= 0 {
		return errors.New("lease.default_invisible_duration must be positive")
	}
	if c.Lease.MaxDeliveryAttempts < 0 {
		return errors.New("lease.max_delivery_attempts must be >= 0")
	}
	if c.Lease.IdempotencyWindow < 0 {
		return errors.New("lease.idempotency_window must be >= 0")
	}
	if c.Lease.AppendTimeout <= 0 {
		return errors.New("lease.append_timeout must be positive")
	}
	if c.Lease.RecoveryParallelism < 1 {
		return errors.New("lease.recovery_parallelism must be at least 1")
	}
	if c.Producers.MaxRate < 0 || c.Producers.Burst < 0 {
		return errors.New("producers.max_rate and producers.burst must be >= 0")
	}
	if c.Producers.MaxRate > 0 && c.Producers.Burst < 1 {
		return errors.New("producers.burst must be at least 1 when max_rate is set")
	}
	if c.Metrics.Enabled && c.Metrics.Endpoint == "" {
		return errors.New("metrics.endpoint must be set when metrics are enabled")
	}
	if c.Breaker.Enabled && c.Breaker.Failures < 1 {
		return errors.New("breaker.failures must be at least 1")
	}
	if c.Webhooks.Timeout <= 0 || c.Webhooks.Wait < 0 {
		return errors.New("webhooks.timeout must be positive and webhooks.wait >= 0")
	}
	if c.Webhooks.BatchSize < 1 || c.Webhooks.Failures < 1 {
		return errors.New("webhooks.batch_size and webhooks.failures must be at least 1")
	}
	return nil
}
