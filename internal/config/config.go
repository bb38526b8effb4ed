package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Unpacker UnpackerConfig `mapstructure:"unpacker" yaml:"unpacker"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// EngineConfig controls the scheduler's worker pool and persistence retries.
type EngineConfig struct {
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	PluginTimeout     time.Duration `mapstructure:"plugin_timeout" yaml:"plugin_timeout"`
	StoreRetries      int           `mapstructure:"store_retries" yaml:"store_retries"`
	StoreRetryBackoff time.Duration `mapstructure:"store_retry_backoff" yaml:"store_retry_backoff"`
}

// UnpackerConfig bounds recursive extraction. MaxObjectsInFlight and
// AdmitPerSecond are the backpressure controls: child admission is throttled
// and capped so an archive bomb degrades to a truncation marker instead of
// unbounded growth.
type UnpackerConfig struct {
	MaxDepth            int     `mapstructure:"max_depth" yaml:"max_depth"`
	MaxExtractedBytes   int64   `mapstructure:"max_extracted_bytes" yaml:"max_extracted_bytes"`
	MaxChildrenPerChain int     `mapstructure:"max_children_per_chain" yaml:"max_children_per_chain"`
	MaxObjectsInFlight  int64   `mapstructure:"max_objects_in_flight" yaml:"max_objects_in_flight"`
	AdmitPerSecond      float64 `mapstructure:"admit_per_second" yaml:"admit_per_second"`
}

// StoreConfig selects and configures the object store backend.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Blob     BlobConfig     `mapstructure:"blob" yaml:"blob"`
}

// PostgresConfig holds the pgx connection settings.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BlobConfig configures the optional S3-compatible payload store.
type BlobConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "firmlens")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 8)
	v.SetDefault("engine.queue_size", 1024)
	v.SetDefault("engine.plugin_timeout", "5m")
	v.SetDefault("engine.store_retries", 3)
	v.SetDefault("engine.store_retry_backoff", "250ms")

	// -- Unpacker --
	v.SetDefault("unpacker.max_depth", 8)
	v.SetDefault("unpacker.max_extracted_bytes", int64(1)<<31) // 2 GiB per chain
	v.SetDefault("unpacker.max_children_per_chain", 10000)
	v.SetDefault("unpacker.max_objects_in_flight", 4096)
	v.SetDefault("unpacker.admit_per_second", 2000)

	// -- Store --
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("store.blob.enabled", false)
	v.SetDefault("store.blob.use_ssl", true)
	v.SetDefault("store.blob.bucket", "firmlens-payloads")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("store.postgres.url", "FIRMLENS_POSTGRES_URL")
	v.BindEnv("store.blob.access_key", "FIRMLENS_BLOB_ACCESS_KEY")
	v.BindEnv("store.blob.secret_key", "FIRMLENS_BLOB_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DefaultConfigFile returns the default config file location in the user's
// home directory.
func DefaultConfigFile() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".firmlens.yaml"), nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Engine.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be a positive integer")
	}
	if c.Engine.StoreRetries < 0 {
		return fmt.Errorf("engine.store_retries must not be negative")
	}
	if c.Unpacker.MaxDepth <= 0 {
		return fmt.Errorf("unpacker.max_depth must be a positive integer")
	}
	if c.Unpacker.MaxExtractedBytes <= 0 {
		return fmt.Errorf("unpacker.max_extracted_bytes must be positive")
	}
	if c.Unpacker.MaxChildrenPerChain <= 0 {
		return fmt.Errorf("unpacker.max_children_per_chain must be positive")
	}
	if c.Unpacker.MaxObjectsInFlight <= 0 {
		return fmt.Errorf("unpacker.max_objects_in_flight must be positive")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", "memory", "postgres", c.Store.Backend)
	}
	if c.Store.Blob.Enabled && c.Store.Blob.Endpoint == "" {
		return fmt.Errorf("store.blob.endpoint is required when the blob store is enabled")
	}
	return nil
}
