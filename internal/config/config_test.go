package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into a temp dir so a stray distengine.yaml is never picked up
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "distengine.db", cfg.Storage.Path)
	assert.Equal(t, "anthropic", cfg.Fallback.Provider)
	assert.Equal(t, time.Minute, cfg.Fallback.Window)
	assert.Equal(t, 24*time.Hour, cfg.Fallback.CacheTTL)
	assert.Equal(t, 4, cfg.Batch.Workers)
	assert.Equal(t, 5, cfg.Audit.SingleValueMinReports)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.FallbackEnabled())
}

func TestLoad_FileEnvFlagPrecedence(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: postgres
  postgres:
    host: db.internal
    port: 6543
fallback:
  provider: openai
  quota: 10
  window: 30s
batch:
  workers: 2
log:
  level: debug
`), 0644))

	t.Setenv("DISTENGINE_FALLBACK_QUOTA", "25")
	t.Setenv("DISTENGINE_LOG_FORMAT", "json")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("workers", 1, "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--workers", "8"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "db.internal", cfg.Storage.Postgres.Host)
	assert.Equal(t, 6543, cfg.Storage.Postgres.Port)
	assert.Equal(t, "openai", cfg.Fallback.Provider)
	assert.Equal(t, 30*time.Second, cfg.Fallback.Window)
	assert.Equal(t, 25, cfg.Fallback.Quota, "env beats file")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Batch.Workers, "flag beats file")
	assert.Equal(t, "debug", cfg.Log.Level, "unset flag does not override file")

	sc := cfg.StorageConfig()
	assert.Equal(t, "postgres", sc.Driver)
	assert.Equal(t, "db.internal", sc.Postgres.Host)
}

func TestLoad_DefaultFileInWorkingDirectory(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFile), []byte("fallback:\n  provider: none\n"), 0644))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.False(t, cfg.FallbackEnabled())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	chdir(t)
	_, err := Load("does-not-exist.yaml", nil)
	assert.ErrorContains(t, err, "error reading config file")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown provider", map[string]string{"DISTENGINE_FALLBACK_PROVIDER": "llama"}, "Fallback.Provider"},
		{"zero workers", map[string]string{"DISTENGINE_BATCH_WORKERS": "0"}, "Batch.Workers"},
		{"bad driver", map[string]string{"DISTENGINE_STORAGE_DRIVER": "mysql"}, "Storage.Driver"},
		{"window too short", map[string]string{"DISTENGINE_FALLBACK_WINDOW": "10ms"}, "Fallback.Window"},
		{"bad log level", map[string]string{"DISTENGINE_LOG_LEVEL": "loud"}, "Log.Level"},
		{"bad metrics addr", map[string]string{"DISTENGINE_METRICS_ADDR": "nonsense"}, "Metrics.Addr"},
		{"missing schema file", map[string]string{"DISTENGINE_SCHEMA_FILE": "/nope/categories.yaml"}, "Schema.File"},
		{"concentration over 100", map[string]string{"DISTENGINE_AUDIT_CONCENTRATION_LIMIT": "120"}, "Audit.ConcentrationLimit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("", nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.Fallback.MaxTransportRetries = 3
	cfg.Fallback.Timeout = 5 * time.Second
	cfg.Fallback.Model = "gpt-4o"
	cfg.Fallback.Provider = "openai"

	retry := cfg.RetryConfig()
	assert.Equal(t, 3, retry.MaxRetries)
	assert.Equal(t, 5*time.Second, retry.Timeout)
	assert.True(t, retry.CircuitBreakerEnabled)

	aiCfg := cfg.AIConfig(nil)
	assert.Equal(t, "openai", aiCfg.Provider)
	assert.Equal(t, "gpt-4o", aiCfg.Model)

	opts := cfg.AuditOptions()
	assert.Equal(t, 5, opts.SingleValueMinReports)
	assert.Equal(t, 3, opts.MinDiversity)
	assert.Equal(t, 80, opts.ConcentrationLimit)

	sc := cfg.StorageConfig()
	assert.LessOrEqual(t, sc.Postgres.MinConns, sc.Postgres.MaxConns)
}

func TestMetricsAddrAccepted(t *testing.T) {
	chdir(t)
	t.Setenv("DISTENGINE_METRICS_ADDR", ":9464")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
}
