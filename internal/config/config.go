package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Runner    RunnerConfig    `yaml:"runner" mapstructure:"runner"`
	Documents DocumentsConfig `yaml:"documents" mapstructure:"documents"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Lock      LockConfig      `yaml:"lock" mapstructure:"lock"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RunnerConfig points at the stage job runner API.
type RunnerConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Key         string  `yaml:"key" mapstructure:"key"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// DocumentsConfig configures full-text acquisition and storage.
type DocumentsConfig struct {
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	Key              string `yaml:"key" mapstructure:"key"`
	Availability     string `yaml:"availability" mapstructure:"availability"` // runner | store
	FetchTimeoutMins int    `yaml:"fetch_timeout_mins" mapstructure:"fetch_timeout_mins"`
	Backend          string `yaml:"backend" mapstructure:"backend"` // local | s3
	LocalDir         string `yaml:"local_dir" mapstructure:"local_dir"`
	S3Bucket         string `yaml:"s3_bucket" mapstructure:"s3_bucket"`
	S3Region         string `yaml:"s3_region" mapstructure:"s3_region"`
	S3Endpoint       string `yaml:"s3_endpoint" mapstructure:"s3_endpoint"`
}

// PipelineConfig configures job orchestration.
type PipelineConfig struct {
	PollIntervalMs    int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	TickIntervalMs    int     `yaml:"tick_interval_ms" mapstructure:"tick_interval_ms"`
	JobTimeoutMins    int     `yaml:"job_timeout_mins" mapstructure:"job_timeout_mins"`
	ProgressCeiling   float64 `yaml:"progress_ceiling" mapstructure:"progress_ceiling"`
	RetryAttempts     int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs    int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownS  int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// PollInterval returns the poll interval as a duration.
func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// TickInterval returns the progress tick interval as a duration.
func (p PipelineConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMs) * time.Millisecond
}

// JobTimeout returns the per-job deadline.
func (p PipelineConfig) JobTimeout() time.Duration {
	return time.Duration(p.JobTimeoutMins) * time.Minute
}

// LockConfig selects the cross-process lock used for document acquisition.
type LockConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"` // memory | redis
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	TTLSecs       int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SCREENING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "screening.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("runner.rate_per_sec", 5.0)
	v.SetDefault("runner.timeout_secs", 30)
	v.SetDefault("documents.availability", "runner")
	v.SetDefault("documents.fetch_timeout_mins", 30)
	v.SetDefault("documents.backend", "local")
	v.SetDefault("documents.local_dir", "documents")
	v.SetDefault("documents.s3_region", "us-east-1")
	v.SetDefault("pipeline.poll_interval_ms", 2000)
	v.SetDefault("pipeline.tick_interval_ms", 1000)
	v.SetDefault("pipeline.job_timeout_mins", 60)
	v.SetDefault("pipeline.progress_ceiling", 88.0)
	v.SetDefault("pipeline.retry_attempts", 4)
	v.SetDefault("pipeline.retry_backoff_ms", 250)
	v.SetDefault("pipeline.retry_max_backoff_ms", 10000)
	v.SetDefault("pipeline.breaker_threshold", 5)
	v.SetDefault("pipeline.breaker_cooldown_secs", 30)
	v.SetDefault("lock.driver", "memory")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.ttl_secs", 1800)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command needs are present. Mode is
// one of "pipeline", "documents" or "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	needRunner := mode == "pipeline" || mode == "serve"
	needDocs := mode == "documents" || mode == "serve"

	if needRunner {
		if c.Runner.BaseURL == "" {
			problems = append(problems, "runner.base_url is required")
		}
		if c.Pipeline.ProgressCeiling < 85 || c.Pipeline.ProgressCeiling > 90 {
			problems = append(problems, "pipeline.progress_ceiling must be between 85 and 90")
		}
		if c.Pipeline.PollIntervalMs <= 0 {
			problems = append(problems, "pipeline.poll_interval_ms must be positive")
		}
	}
	if needDocs || needRunner {
		switch c.Documents.Backend {
		case "local":
		case "s3":
			if c.Documents.S3Bucket == "" {
				problems = append(problems, "documents.s3_bucket is required for the s3 backend")
			}
		default:
			problems = append(problems, "documents.backend must be local or s3")
		}
		if c.Documents.Availability == "runner" && needRunner && c.Documents.BaseURL == "" {
			problems = append(problems, "documents.base_url is required when availability is runner")
		}
	}
	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if c.Lock.Driver == "redis" {
		if c.Lock.RedisAddr == "" {
			problems = append(problems, "lock.redis_addr is required for the redis lock")
		}
		// Held locks are refreshed every third of the TTL.
		if c.Lock.TTLSecs < 3 {
			problems = append(problems, "lock.ttl_secs must be at least 3 for the redis lock")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
