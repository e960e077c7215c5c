package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Logging     LoggingConfig    `toml:"logging"`
	Storage     StorageConfig    `toml:"storage"`
	KV          KVConfig         `toml:"kv"`
	Queue       QueueConfig      `toml:"queue"`
	Worker      WorkerConfig     `toml:"worker"`
	OIDC        OIDCConfig       `toml:"oidc"`
	Quota       QuotaConfig      `toml:"quota"`
	RateLimit   RateLimitConfig  `toml:"rate_limit"`
	Reconciler  ReconcilerConfig `toml:"reconciler"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Object ObjectConfig `toml:"object"`
}

// BadgerConfig represents BadgerDB-specific configuration for the job store
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// ObjectConfig selects and configures the artifact object store backend
type ObjectConfig struct {
	Backend  string `toml:"backend"`  // "s3" or "filesystem"
	Bucket   string `toml:"bucket"`   // Bucket name (s3 backend)
	Region   string `toml:"region"`   // Bucket region (s3 backend)
	Endpoint string `toml:"endpoint"` // Optional custom endpoint (s3-compatible stores)
	Path     string `toml:"path"`     // Root directory (filesystem backend)
}

// KVConfig configures the Redis-backed key/value store used by the quota
// ledger and rate limiter. When the URL is empty or Redis is unreachable the
// services fall back to in-process state.
type KVConfig struct {
	RedisURL string `toml:"redis_url"` // e.g. "redis://localhost:6379/0"
	TTLDays  int    `toml:"ttl_days"`  // Retention for quota records (default 32)
}

// QueueConfig configures the managed task queue used for GPU dispatch
type QueueConfig struct {
	Project                string `toml:"project"`                 // Cloud project identifier
	Region                 string `toml:"region"`                  // Queue region
	InteractiveQueue       string `toml:"interactive_queue"`       // Queue name for the interactive lane
	BulkQueue              string `toml:"bulk_queue"`              // Queue name for the bulk lane
	Endpoint               string `toml:"endpoint"`                // Task queue API base URL
	InteractiveConcurrency int    `toml:"interactive_concurrency"` // In-flight ceiling, interactive lane (default 4)
	BulkConcurrency        int    `toml:"bulk_concurrency"`        // In-flight ceiling, bulk lane (default 12)
}

// WorkerConfig points at the external GPU worker pool
type WorkerConfig struct {
	URL string `toml:"url"` // Base URL of the GPU worker /predict entrypoint
}

// OIDCConfig configures identity for dispatch and webhook verification
type OIDCConfig struct {
	ServiceAccount string `toml:"service_account"` // Service identity that signs queue callbacks
	Audience       string `toml:"audience"`        // Expected audience on inbound webhook tokens
	TokenURL       string `toml:"token_url"`       // Identity-token mint endpoint for dispatch
	CertsURL       string `toml:"certs_url"`       // Signer certificate endpoint for verification
	DevSecret      string `toml:"dev_secret"`      // HS256 fallback secret, development only
}

type QuotaConfig struct {
	DefaultTier string `toml:"default_tier"` // Tier assigned to unknown principals (default "default")
}

type RateLimitConfig struct {
	SubmitPerMinute   int `toml:"submit_per_minute"`   // Token bucket refill, submit route class (default 10)
	ReadPerMinute     int `toml:"read_per_minute"`     // Read route class (default 120)
	DownloadPerMinute int `toml:"download_per_minute"` // Download route class (default 30)
}

type ReconcilerConfig struct {
	Interval       string `toml:"interval"`        // Sweep period, e.g. "60s"
	StuckThreshold string `toml:"stuck_threshold"` // Age before a running job is considered stuck, e.g. "1h"
}

// DefaultConfig returns the configuration defaults applied before any file
// or environment override.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server:      ServerConfig{Host: "localhost", Port: 8085},
		Logging:     LoggingConfig{Level: "info", Output: []string{"stdout", "file"}},
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/lattice"},
			Object: ObjectConfig{Backend: "filesystem", Path: "./data/artifacts"},
		},
		KV: KVConfig{TTLDays: 32},
		Queue: QueueConfig{
			InteractiveConcurrency: 4,
			BulkConcurrency:        12,
		},
		Quota: QuotaConfig{DefaultTier: "default"},
		RateLimit: RateLimitConfig{
			SubmitPerMinute:   10,
			ReadPerMinute:     120,
			DownloadPerMinute: 30,
		},
		Reconciler: ReconcilerConfig{Interval: "60s", StuckThreshold: "1h"},
	}
}

// LoadFromFiles loads configuration from one or more TOML files. Later files
// override earlier ones; environment variables override files.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies LATTICE_* environment variables on top of file values
func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"LATTICE_SERVER_HOST":          &cfg.Server.Host,
		"LATTICE_LOG_LEVEL":            &cfg.Logging.Level,
		"LATTICE_BADGER_PATH":          &cfg.Storage.Badger.Path,
		"LATTICE_OBJECT_BACKEND":       &cfg.Storage.Object.Backend,
		"LATTICE_OBJECT_BUCKET":        &cfg.Storage.Object.Bucket,
		"LATTICE_OBJECT_REGION":        &cfg.Storage.Object.Region,
		"LATTICE_REDIS_URL":            &cfg.KV.RedisURL,
		"LATTICE_QUEUE_PROJECT":        &cfg.Queue.Project,
		"LATTICE_QUEUE_REGION":         &cfg.Queue.Region,
		"LATTICE_QUEUE_ENDPOINT":       &cfg.Queue.Endpoint,
		"LATTICE_QUEUE_INTERACTIVE":    &cfg.Queue.InteractiveQueue,
		"LATTICE_QUEUE_BULK":           &cfg.Queue.BulkQueue,
		"LATTICE_WORKER_URL":           &cfg.Worker.URL,
		"LATTICE_OIDC_SERVICE_ACCOUNT": &cfg.OIDC.ServiceAccount,
		"LATTICE_OIDC_AUDIENCE":        &cfg.OIDC.Audience,
		"LATTICE_DEFAULT_TIER":         &cfg.Quota.DefaultTier,
		"LATTICE_RECONCILER_INTERVAL":  &cfg.Reconciler.Interval,
		"LATTICE_STUCK_THRESHOLD":      &cfg.Reconciler.StuckThreshold,
	}
	for key, target := range overrides {
		if val := os.Getenv(key); val != "" {
			*target = val
		}
	}

	if port := os.Getenv("LATTICE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

// Validate checks that all required configuration is present. Missing
// required values fail startup.
func (c *Config) Validate() error {
	required := map[string]string{
		"queue.project":           c.Queue.Project,
		"queue.interactive_queue": c.Queue.InteractiveQueue,
		"queue.bulk_queue":        c.Queue.BulkQueue,
		"worker.url":              c.Worker.URL,
		"oidc.service_account":    c.OIDC.ServiceAccount,
	}
	for key, val := range required {
		if val == "" {
			return fmt.Errorf("missing required config: %s", key)
		}
	}

	switch c.Storage.Object.Backend {
	case "s3":
		if c.Storage.Object.Bucket == "" {
			return fmt.Errorf("missing required config: storage.object.bucket")
		}
	case "filesystem", "":
		if c.Storage.Object.Path == "" {
			return fmt.Errorf("missing required config: storage.object.path")
		}
	default:
		return fmt.Errorf("unsupported object storage backend: %s", c.Storage.Object.Backend)
	}

	if _, err := time.ParseDuration(c.Reconciler.Interval); err != nil {
		return fmt.Errorf("invalid reconciler interval %q: %w", c.Reconciler.Interval, err)
	}
	if _, err := time.ParseDuration(c.Reconciler.StuckThreshold); err != nil {
		return fmt.Errorf("invalid stuck threshold %q: %w", c.Reconciler.StuckThreshold, err)
	}

	return nil
}

// ReconcilerInterval returns the parsed sweep period
func (c *Config) ReconcilerInterval() time.Duration {
	d, err := time.ParseDuration(c.Reconciler.Interval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// StuckJobThreshold returns the parsed stuck-job age threshold
func (c *Config) StuckJobThreshold() time.Duration {
	d, err := time.ParseDuration(c.Reconciler.StuckThreshold)
	if err != nil {
		return time.Hour
	}
	return d
}
