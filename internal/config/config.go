package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds the full application configuration.
type Config struct {
	Env      string         `yaml:"env" mapstructure:"env"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Query    QueryConfig    `yaml:"query" mapstructure:"query"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend. Exactly one driver is
// authoritative per deployment.
type StoreConfig struct {
	Driver           string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL      string `yaml:"database_url" mapstructure:"database_url"`
	FileDir          string `yaml:"file_dir" mapstructure:"file_dir"`
	FallbackDir      string `yaml:"fallback_dir" mapstructure:"fallback_dir"`
	MaxConns         int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns         int32  `yaml:"min_conns" mapstructure:"min_conns"`
	QueryTimeoutSecs int    `yaml:"query_timeout_secs" mapstructure:"query_timeout_secs"`
}

// QueryTimeout returns the per-call datastore timeout.
func (s StoreConfig) QueryTimeout() time.Duration {
	return time.Duration(s.QueryTimeoutSecs) * time.Second
}

// PipelineConfig configures the transformation pipeline.
type PipelineConfig struct {
	MinKAnonymity  int               `yaml:"min_k_anonymity" mapstructure:"min_k_anonymity"`
	SchemaVersions map[string]string `yaml:"schema_versions" mapstructure:"schema_versions"`
}

// SchemaVersion returns the configured schema marker for dt.
func (p PipelineConfig) SchemaVersion(dt model.DataType) string {
	if v, ok := p.SchemaVersions[string(dt)]; ok && v != "" {
		return v
	}
	return defaultSchemaVersions[string(dt)]
}

// QueryConfig configures the query/export facade.
type QueryConfig struct {
	DefaultLimit       int `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit           int `yaml:"max_limit" mapstructure:"max_limit"`
	CohortCacheSize    int `yaml:"cohort_cache_size" mapstructure:"cohort_cache_size"`
	CohortCacheTTLSecs int `yaml:"cohort_cache_ttl_secs" mapstructure:"cohort_cache_ttl_secs"`
}

// IngestConfig configures batch ingestion from files.
type IngestConfig struct {
	MaxConcurrent  int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RatePerSec     float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	RetryAttempts  int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// RetryPolicy returns how often ingest resubmits a submission that failed
// with a transient persistence error.
func (i IngestConfig) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		Attempts:   i.RetryAttempts,
		Backoff:    time.Duration(i.RetryBackoffMs) * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	}
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ReadTimeoutSecs  int      `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
	WriteTimeoutSecs int      `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

var defaultSchemaVersions = map[string]string{
	string(model.DataTypeZomato):  "zomato_order_history.v1",
	string(model.DataTypeGitHub):  "github_profile.v1",
	string(model.DataTypeNetflix): "netflix_watch_history.v1",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MYRAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("pipeline.min_k_anonymity", "MYRAD_PIPELINE_MIN_K_ANONYMITY", "MIN_K_ANONYMITY"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}

	// Defaults
	v.SetDefault("env", EnvDevelopment)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.file_dir", "data")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.query_timeout_secs", 5)
	v.SetDefault("pipeline.min_k_anonymity", 10)
	v.SetDefault("pipeline.schema_versions", defaultSchemaVersions)
	v.SetDefault("query.default_limit", 100)
	v.SetDefault("query.max_limit", 1000)
	v.SetDefault("query.cohort_cache_size", 1024)
	v.SetDefault("query.cohort_cache_ttl_secs", 30)
	v.SetDefault("ingest.max_concurrent", 4)
	v.SetDefault("ingest.rate_per_sec", 0)
	v.SetDefault("ingest.retry_attempts", 3)
	v.SetDefault("ingest.retry_backoff_ms", 200)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout_secs", 15)
	v.SetDefault("server.write_timeout_secs", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
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

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		return eris.Errorf("config: unknown env %q", c.Env)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for postgres (MYRAD_STORE_DATABASE_URL)")
		}
	case "sqlite":
	case "file":
		if c.Env == EnvProduction {
			return eris.New("config: file store is not permitted in production")
		}
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}

	if c.Store.FallbackDir != "" && c.Env == EnvProduction {
		return eris.New("config: store.fallback_dir is not permitted in production")
	}
	if c.Store.MaxConns < 1 {
		return eris.New("config: store.max_conns must be at least 1")
	}
	if c.Pipeline.MinKAnonymity < 1 {
		return eris.New("config: pipeline.min_k_anonymity must be at least 1")
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
