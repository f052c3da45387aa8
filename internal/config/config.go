package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion pipeline
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Source   SourceConfig   `yaml:"source"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Lease    LeaseConfig    `yaml:"lease"`
	Sink     SinkConfig     `yaml:"sink"`
	Quality  QualityConfig  `yaml:"quality"`
	Rollup   RollupConfig   `yaml:"rollup"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
}

// PipelineConfig holds core pipeline behavior settings
type PipelineConfig struct {
	Name                string  `yaml:"name"`                  // checkpoint/lease namespace, one per logical pipeline
	ContinueOnFailure   bool    `yaml:"continue_on_failure"`   // keep draining later batches after a batch fails
	SummaryEveryBatches int     `yaml:"summary_every_batches"` // log a cumulative summary every N committed batches
	ValidationWorkers   int     `yaml:"validation_workers"`
	MaxPrice            float64 `yaml:"max_price"`
	FutureSkewSeconds   int     `yaml:"future_skew_seconds"` // tolerated clock skew for event timestamps
}

// FutureSkew returns the tolerated future timestamp skew as a duration
func (c PipelineConfig) FutureSkew() time.Duration {
	return time.Duration(c.FutureSkewSeconds) * time.Second
}

// SourceConfig holds batch discovery settings
type SourceConfig struct {
	Type            string     `yaml:"type"` // "fs", "s3" or "amqp"
	PollSeconds     int        `yaml:"poll_seconds"`
	MaxBatchFiles   int        `yaml:"max_batch_files"`
	MaxBatchRecords int        `yaml:"max_batch_records"`
	MaxBatchBytes   int64      `yaml:"max_batch_bytes"`
	FS              FSConfig   `yaml:"fs"`
	S3              S3Config   `yaml:"s3"`
	AMQP            AMQPConfig `yaml:"amqp"`
}

// Poll returns the discovery polling interval as a duration
func (c SourceConfig) Poll() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// FSConfig holds local drop directory settings
type FSConfig struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"`
}

// S3Config holds S3 drop location settings
type S3Config struct {
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	Region     string `yaml:"region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c S3Config) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "" // Running on ECS or Lambda, use IAM role
	}
	return c.AWSProfile
}

// AMQPConfig holds queue drop location settings
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the connection max lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds Redis connection settings for the writer lease
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LeaseConfig holds exclusive writer lease settings
type LeaseConfig struct {
	Key        string `yaml:"key"` // defaults to the pipeline name
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// TTL returns the lease time-to-live as a duration
func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SinkConfig holds durable event store settings
type SinkConfig struct {
	Table     string      `yaml:"table"`
	ChunkSize int         `yaml:"chunk_size"` // rows per multi-row INSERT
	Retry     RetryConfig `yaml:"retry"`
}

// RetryConfig holds retry policy settings for transient commit failures
type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	InitialSeconds int `yaml:"initial_seconds"`
	MaxSeconds     int `yaml:"max_seconds"`
}

// Initial returns the first backoff delay as a duration
func (c RetryConfig) Initial() time.Duration {
	return time.Duration(c.InitialSeconds) * time.Second
}

// Max returns the backoff delay ceiling as a duration
func (c RetryConfig) Max() time.Duration {
	return time.Duration(c.MaxSeconds) * time.Second
}

// QualityConfig holds per-batch quality report settings
type QualityConfig struct {
	Table      string `yaml:"table"`
	BufferSize int    `yaml:"buffer_size"` // pending reports before the emitter drops
}

// RollupConfig holds hourly aggregate refresh settings
type RollupConfig struct {
	Enabled         bool             `yaml:"enabled"`
	IntervalSeconds int              `yaml:"interval_seconds"`
	Table           string           `yaml:"table"`
	Store           string           `yaml:"store"` // "postgres" or "clickhouse"
	ClickHouse      ClickHouseConfig `yaml:"clickhouse"`
}

// Interval returns the rollup refresh interval as a duration
func (c RollupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ClickHouseConfig holds ClickHouse connection settings for the rollup store
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AdminConfig holds the admin HTTP server configuration
type AdminConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the admin host, with ECS detection
func (c AdminConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("ADMIN_HOST"); host != "" {
		return host
	}
	return c.Host
}

// LogConfig holds logging settings
type LogConfig struct {
	Level                 string `yaml:"level"`
	DisableEmailRedaction bool   `yaml:"disable_email_redaction"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Pipeline.Name == "" {
		cfg.Pipeline.Name = "ecommerce"
	}
	if cfg.Pipeline.SummaryEveryBatches == 0 {
		cfg.Pipeline.SummaryEveryBatches = 10
	}
	if cfg.Pipeline.ValidationWorkers == 0 {
		cfg.Pipeline.ValidationWorkers = 4
	}
	if cfg.Pipeline.MaxPrice == 0 {
		cfg.Pipeline.MaxPrice = 10000
	}
	if cfg.Pipeline.FutureSkewSeconds == 0 {
		cfg.Pipeline.FutureSkewSeconds = 600
	}
	if cfg.Source.Type == "" {
		cfg.Source.Type = "fs"
	}
	if cfg.Source.PollSeconds == 0 {
		cfg.Source.PollSeconds = 5
	}
	if cfg.Source.MaxBatchFiles == 0 {
		cfg.Source.MaxBatchFiles = 16
	}
	if cfg.Source.MaxBatchRecords == 0 {
		cfg.Source.MaxBatchRecords = 5000
	}
	if cfg.Source.MaxBatchBytes == 0 {
		cfg.Source.MaxBatchBytes = 64 << 20
	}
	if cfg.Source.FS.Pattern == "" {
		cfg.Source.FS.Pattern = "*.csv"
	}
	if cfg.Source.S3.Region == "" {
		cfg.Source.S3.Region = "us-west-2"
	}
	if cfg.Source.AMQP.Prefetch == 0 {
		cfg.Source.AMQP.Prefetch = 8
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Lease.Key == "" {
		cfg.Lease.Key = cfg.Pipeline.Name
	}
	if cfg.Lease.TTLSeconds == 0 {
		cfg.Lease.TTLSeconds = 30
	}
	if cfg.Sink.Table == "" {
		cfg.Sink.Table = "ecommerce_events"
	}
	if cfg.Sink.ChunkSize == 0 {
		cfg.Sink.ChunkSize = 500
	}
	if cfg.Sink.Retry.MaxAttempts == 0 {
		cfg.Sink.Retry.MaxAttempts = 3
	}
	if cfg.Sink.Retry.InitialSeconds == 0 {
		cfg.Sink.Retry.InitialSeconds = 1
	}
	if cfg.Sink.Retry.MaxSeconds == 0 {
		cfg.Sink.Retry.MaxSeconds = 30
	}
	if cfg.Quality.Table == "" {
		cfg.Quality.Table = "quality_reports"
	}
	if cfg.Quality.BufferSize == 0 {
		cfg.Quality.BufferSize = 64
	}
	if cfg.Rollup.IntervalSeconds == 0 {
		cfg.Rollup.IntervalSeconds = 300
	}
	if cfg.Rollup.Table == "" {
		cfg.Rollup.Table = "event_rollups"
	}
	if cfg.Rollup.Store == "" {
		cfg.Rollup.Store = "postgres"
	}
	if cfg.Rollup.ClickHouse.Port == 0 {
		cfg.Rollup.ClickHouse.Port = 9000
	}
	if cfg.Rollup.ClickHouse.Database == "" {
		cfg.Rollup.ClickHouse.Database = "default"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Admin.Host == "" {
		cfg.Admin.Host = "localhost"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if name := os.Getenv("PIPELINE_NAME"); name != "" {
		cfg.Pipeline.Name = name
		if os.Getenv("LEASE_KEY") == "" {
			cfg.Lease.Key = name
		}
	}
	if key := os.Getenv("LEASE_KEY"); key != "" {
		cfg.Lease.Key = key
	}
	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if url := os.Getenv("AMQP_URL"); url != "" {
		cfg.Source.AMQP.URL = url
	}
	if bucket := os.Getenv("SOURCE_S3_BUCKET"); bucket != "" {
		cfg.Source.S3.Bucket = bucket
	}
	if region := os.Getenv("SOURCE_S3_REGION"); region != "" {
		cfg.Source.S3.Region = region
	}
	if dir := os.Getenv("SOURCE_FS_DIR"); dir != "" {
		cfg.Source.FS.Dir = dir
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		cfg.Rollup.ClickHouse.Host = host
	}
	if password := os.Getenv("CLICKHOUSE_PASSWORD"); password != "" {
		cfg.Rollup.ClickHouse.Password = password
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}
