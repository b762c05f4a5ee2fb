// Package config loads distengine settings from defaults, an optional YAML
// file, DISTENGINE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/whatworked/distengine/internal/ai"
	"github.com/whatworked/distengine/internal/audit"
	"github.com/whatworked/distengine/internal/storage"
	"github.com/whatworked/distengine/internal/storage/postgres"
)

// EnvPrefix prefixes every environment override, e.g. DISTENGINE_FALLBACK_PROVIDER
const EnvPrefix = "DISTENGINE"

// DefaultFile is read when no --config is given and it exists
const DefaultFile = "distengine.yaml"

// ProviderNone disables the generative fallback
const ProviderNone = "none"

// Config is the complete runtime configuration
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Schema   SchemaConfig   `mapstructure:"schema"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	Path     string         `mapstructure:"path" validate:"required_if=Driver sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	Database string `mapstructure:"database" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=1,lte=200"`
}

type SchemaConfig struct {
	// File overrides the built-in category table
	File string `mapstructure:"file" validate:"omitempty,file"`
}

type FallbackConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=anthropic openai gemini none"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	// Quota provider calls are allowed per Window
	Quota               int           `mapstructure:"quota" validate:"gte=1"`
	Window              time.Duration `mapstructure:"window" validate:"gte=1s"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"gte=1s,lte=10m"`
	MaxTransportRetries int           `mapstructure:"max_transport_retries" validate:"gte=1,lte=10"`
	MaxConcurrentCalls  int           `mapstructure:"max_concurrent_calls" validate:"gte=1,lte=64"`
	CacheMaxEntries     int64         `mapstructure:"cache_max_entries" validate:"gte=1"`
	// CacheTTL of zero keeps entries until evicted by size
	CacheTTL     time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	EvidenceFile string        `mapstructure:"evidence_file" validate:"omitempty,file"`
}

type BatchConfig struct {
	Workers       int    `mapstructure:"workers" validate:"gte=1,lte=64"`
	CheckpointDir string `mapstructure:"checkpoint_dir" validate:"required"`
}

type AuditConfig struct {
	SingleValueMinReports int `mapstructure:"single_value_min_reports" validate:"gte=1"`
	MinDiversity          int `mapstructure:"min_diversity" validate:"gte=1"`
	ConcentrationLimit    int `mapstructure:"concentration_limit" validate:"gte=1,lte=100"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json text"`
}

type MetricsConfig struct {
	// Addr serves /metrics while a batch runs; empty disables it
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// flagKeys maps command-line flag names to configuration keys
var flagKeys = map[string]string{
	"db":             "storage.path",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"metrics-addr":   "metrics.addr",
	"workers":        "batch.workers",
	"checkpoint-dir": "batch.checkpoint_dir",
	"provider":       "fallback.provider",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func setDefaults(v *viper.Viper) {
	retry := ai.DefaultRetryConfig()
	pg := postgres.DefaultConfig()
	auditOpts := audit.DefaultOptions()

	v.SetDefault("storage.driver", storage.DriverSQLite)
	v.SetDefault("storage.path", "distengine.db")
	v.SetDefault("storage.postgres.host", pg.Host)
	v.SetDefault("storage.postgres.port", pg.Port)
	v.SetDefault("storage.postgres.database", pg.Database)
	v.SetDefault("storage.postgres.user", pg.User)
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.sslmode", pg.SSLMode)
	v.SetDefault("storage.postgres.max_conns", pg.MaxConns)

	v.SetDefault("schema.file", "")

	v.SetDefault("fallback.provider", ai.ProviderAnthropic)
	v.SetDefault("fallback.model", "")
	v.SetDefault("fallback.api_key", "")
	v.SetDefault("fallback.quota", 50)
	v.SetDefault("fallback.window", time.Minute)
	v.SetDefault("fallback.timeout", 30*time.Second)
	v.SetDefault("fallback.max_transport_retries", retry.MaxRetries)
	v.SetDefault("fallback.max_concurrent_calls", retry.MaxConcurrentCalls)
	v.SetDefault("fallback.cache_max_entries", 10000)
	v.SetDefault("fallback.cache_ttl", 24*time.Hour)
	v.SetDefault("fallback.evidence_file", "")

	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.checkpoint_dir", ".distengine")

	v.SetDefault("audit.single_value_min_reports", auditOpts.SingleValueMinReports)
	v.SetDefault("audit.min_diversity", auditOpts.MinDiversity)
	v.SetDefault("audit.concentration_limit", auditOpts.ConcentrationLimit)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.addr", "")
}

// Default returns the built-in configuration
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load builds the configuration. path names a YAML file; when empty,
// DefaultFile is read if present. flags may be nil; only flags the user
// actually set override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field against its constraints
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", fe.Namespace(), describeTag(fe), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// FallbackEnabled reports whether a generative provider is configured
func (c *Config) FallbackEnabled() bool {
	return c.Fallback.Provider != ProviderNone
}

// StorageConfig returns the storage backend configuration
func (c *Config) StorageConfig() *storage.Config {
	pg := postgres.DefaultConfig()
	pg.Host = c.Storage.Postgres.Host
	pg.Port = c.Storage.Postgres.Port
	pg.Database = c.Storage.Postgres.Database
	pg.User = c.Storage.Postgres.User
	pg.Password = c.Storage.Postgres.Password
	pg.SSLMode = c.Storage.Postgres.SSLMode
	pg.MaxConns = c.Storage.Postgres.MaxConns
	if pg.MinConns > pg.MaxConns {
		pg.MinConns = pg.MaxConns
	}

	return &storage.Config{
		Driver:   c.Storage.Driver,
		Path:     c.Storage.Path,
		Postgres: pg,
	}
}

// RetryConfig returns the provider retry policy
func (c *Config) RetryConfig() ai.RetryConfig {
	retry := ai.DefaultRetryConfig()
	retry.MaxRetries = c.Fallback.MaxTransportRetries
	retry.Timeout = c.Fallback.Timeout
	retry.MaxConcurrentCalls = c.Fallback.MaxConcurrentCalls
	return retry
}

// AIConfig returns the provider client configuration
func (c *Config) AIConfig(log *zap.Logger) ai.Config {
	return ai.Config{
		Provider: c.Fallback.Provider,
		APIKey:   c.Fallback.APIKey,
		Model:    c.Fallback.Model,
		Retry:    c.RetryConfig(),
		Logger:   log,
	}
}

// AuditOptions returns the auditor thresholds
func (c *Config) AuditOptions() audit.Options {
	return audit.Options{
		SingleValueMinReports: c.Audit.SingleValueMinReports,
		MinDiversity:          c.Audit.MinDiversity,
		ConcentrationLimit:    c.Audit.ConcentrationLimit,
	}
}
