package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration, loaded from a YAML file with
// environment-variable overrides.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Backfill   BackfillConfig   `mapstructure:"backfill" yaml:"backfill"`
	Coverage   CoverageConfig   `mapstructure:"coverage" yaml:"coverage"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter" yaml:"dead_letter"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	TLS             TLSConfig     `mapstructure:"tls" yaml:"tls"`
}

// TLSConfig enables TLS on the API listener. SelfSigned generates a
// throwaway certificate at the given paths on startup when none exists,
// for local and staging use.
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile     string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile      string `mapstructure:"key_file" yaml:"key_file"`
	ClientCAFile string `mapstructure:"client_ca_file" yaml:"client_ca_file"`
	SelfSigned   bool   `mapstructure:"self_signed" yaml:"self_signed"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type QueueConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	JobTimeout     time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

type BackfillConfig struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	CoverageHours int           `mapstructure:"coverage_hours" yaml:"coverage_hours"`
}

type CoverageConfig struct {
	CacheTTL    time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	HealthHours int           `mapstructure:"health_hours" yaml:"health_hours"`
}

type DeadLetterConfig struct {
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

type AuthConfig struct {
	AdminAPIKey string `mapstructure:"admin_api_key" yaml:"admin_api_key"`
}

type RateLimitConfig struct {
	ReadRPS    float64 `mapstructure:"read_rps" yaml:"read_rps"`
	ReadBurst  int     `mapstructure:"read_burst" yaml:"read_burst"`
	WriteRPS   float64 `mapstructure:"write_rps" yaml:"write_rps"`
	WriteBurst int     `mapstructure:"write_burst" yaml:"write_burst"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	JSONFormat bool   `mapstructure:"json_format" yaml:"json_format"`
	File       bool   `mapstructure:"file" yaml:"file"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	Environment  string `mapstructure:"environment" yaml:"environment"`
}

// Load reads configuration from the given file (optional) and the
// MATCHPULSE_* environment, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MATCHPULSE")
	v.AutomaticEnv()
	v.BindEnv("database.dsn", "MATCHPULSE_DATABASE_DSN")
	v.BindEnv("auth.admin_api_key", "MATCHPULSE_ADMIN_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pipeline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/matchpulse")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.job_timeout", "2m")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.initial_backoff", "30s")
	v.SetDefault("queue.max_backoff", "8m")
	v.SetDefault("queue.multiplier", 2.0)

	v.SetDefault("backfill.interval", "1h")
	v.SetDefault("backfill.coverage_hours", 6)

	v.SetDefault("coverage.cache_ttl", "60s")
	v.SetDefault("coverage.health_hours", 24)

	v.SetDefault("dead_letter.retention", "720h")
	v.SetDefault("dead_letter.prune_interval", "6h")

	v.SetDefault("rate_limit.read_rps", 5.0)
	v.SetDefault("rate_limit.read_burst", 10)
	v.SetDefault("rate_limit.write_rps", 1.0)
	v.SetDefault("rate_limit.write_burst", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json_format", true)
	v.SetDefault("logging.file", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.environment", "production")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "postgresql", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if (c.Database.Driver == "postgres" || c.Database.Driver == "postgresql") && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres driver")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.Multiplier < 1 {
		return fmt.Errorf("queue.multiplier must be at least 1")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	return nil
}
