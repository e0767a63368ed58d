package tabq

import (
	"time"
)

// Config consolidates settings for the query server
type Config struct {
	Server    ServerConfig    `json:"server"`
	Scheduler SchedulerConfig `json:"scheduler"`
	DuckDB    DuckDBConfig    `json:"duckdb"`
	Output    OutputConfig    `json:"output"`
	Metrics   MetricsConfig   `json:"metrics"`
	S3        S3Config        `json:"s3"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Port            string        `json:"port"`
	ReadTimeout     time.Duration `json:"readTimeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
	MaxBodyBytes    int64         `json:"maxBodyBytes"`
}

// SchedulerConfig contains admission control settings
type SchedulerConfig struct {
	// MaxWorkers bounds the number of concurrently executing jobs.
	MaxWorkers int `json:"maxWorkers"`
	// MailboxSize is the capacity of the arrival channel; a full mailbox
	// blocks submitters.
	MailboxSize int `json:"mailboxSize"`
	// CostPerStep is the fixed weight used for cost estimates.
	CostPerStep int `json:"costPerStep"`
	// RejectInvalidPlans surfaces parse errors at submission instead of
	// scheduling an empty plan.
	RejectInvalidPlans bool `json:"rejectInvalidPlans"`
}

// DuckDBConfig contains settings for the embedded engine
type DuckDBConfig struct {
	Enabled        bool          `json:"enabled"`
	DBPath         string        `json:"dbPath"`
	MemoryLimitMB  int           `json:"memoryLimitMB"`
	MaxParallelism int           `json:"maxParallelism"`
	MaxConnections int           `json:"maxConnections"`
	QueryTimeout   time.Duration `json:"queryTimeout"`
	Extensions     []string      `json:"extensions"`
	EnableParquet  bool          `json:"enableParquet"`
	EnableS3       bool          `json:"enableS3"`
	S3AccessKey    string        `json:"s3AccessKey"`
	S3SecretKey    string        `json:"s3SecretKey"`
	S3Region       string        `json:"s3Region"`
	S3Endpoint     string        `json:"s3Endpoint"`
}

// OutputConfig contains result delivery settings
type OutputConfig struct {
	// InlineThresholdBytes is compared with the compressed result size.
	InlineThresholdBytes int    `json:"inlineThresholdBytes"`
	SpillDir             string `json:"spillDir"`
	CompressionLevel     int    `json:"compressionLevel"`
}

// MetricsConfig contains the completed-query log and telemetry settings.
// Timeout bounds one append across all sinks; zero means no bound.
type MetricsConfig struct {
	Enabled    bool                  `json:"enabled"`
	Dir        string                `json:"dir"`
	Prometheus bool                  `json:"prometheus"`
	Namespace  string                `json:"namespace"`
	Timeout    time.Duration         `json:"timeout"`
	Postgres   PostgresMetricsConfig `json:"postgres"`
}

// PostgresMetricsConfig configures the optional Postgres sink
type PostgresMetricsConfig struct {
	Enabled        bool          `json:"enabled"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Database       string        `json:"database"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	SSLMode        string        `json:"sslMode"`
	UseIAM         bool          `json:"useIAM"`
	Region         string        `json:"region"`
	Table          string        `json:"table"`
	MaxConnections int           `json:"maxConnections"`
	Timeout        time.Duration `json:"timeout"`
}

// S3Config configures uploading spilled results
type S3Config struct {
	Enabled   bool   `json:"enabled"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	PathStyle bool   `json:"pathStyle"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level       string `json:"level"`
	Format      string `json:"format"`
	LogQueries  bool   `json:"logQueries"`
	SlowQueryMs int    `json:"slowQueryMs"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "3000",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1024 * 1024, // 1MB
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:  4,
			MailboxSize: 100,
			CostPerStep: 10,
		},
		DuckDB: DuckDBConfig{
			Enabled:        true,
			DBPath:         ":memory:",
			MaxConnections: 8,
			QueryTimeout:   5 * time.Minute,
			EnableParquet:  true,
		},
		Output: OutputConfig{
			InlineThresholdBytes: 1_000_000,
			SpillDir:             ".",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Dir:        "metrics",
			Prometheus: true,
			Namespace:  "tabq",
			Timeout:    30 * time.Second,
			Postgres: PostgresMetricsConfig{
				Host:           "localhost",
				Port:           5432,
				Database:       "tabq",
				Username:       "postgres",
				SSLMode:        "disable",
				Table:          "query_metrics",
				MaxConnections: 4,
				Timeout:        10 * time.Second,
			},
		},
		S3: S3Config{
			Prefix: "spill",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			SlowQueryMs: 1000,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Scheduler.MaxWorkers <= 0 {
		return &ConfigError{Field: "scheduler.maxWorkers", Message: "must be greater than 0"}
	}

	if c.Scheduler.MailboxSize <= 0 {
		return &ConfigError{Field: "scheduler.mailboxSize", Message: "must be greater than 0"}
	}

	if c.Scheduler.CostPerStep < 0 {
		return &ConfigError{Field: "scheduler.costPerStep", Message: "must not be negative"}
	}

	if !c.DuckDB.Enabled {
		return &ConfigError{Field: "duckdb.enabled", Message: "the engine cannot be disabled"}
	}

	if c.Output.InlineThresholdBytes < 0 {
		return &ConfigError{Field: "output.inlineThresholdBytes", Message: "must not be negative"}
	}

	if c.Output.SpillDir == "" {
		return &ConfigError{Field: "output.spillDir", Message: "is required"}
	}

	if c.Metrics.Enabled && c.Metrics.Dir == "" {
		return &ConfigError{Field: "metrics.dir", Message: "is required when metrics are enabled"}
	}

	if c.Metrics.Timeout < 0 {
		return &ConfigError{Field: "metrics.timeout", Message: "must not be negative"}
	}

	if c.Metrics.Postgres.Enabled && c.Metrics.Postgres.Table == "" {
		return &ConfigError{Field: "metrics.postgres.table", Message: "is required when the postgres sink is enabled"}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		return &ConfigError{Field: "s3.bucket", Message: "is required when s3 upload is enabled"}
	}

	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
