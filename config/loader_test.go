package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsLoadWithoutFile(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 5, cfg.Engine.MaxIterations)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 10, cfg.Dispatch.MaxParallelAgents)
	assert.True(t, cfg.Checkpoint.Triggers.StrictDestructive)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_retries: 7
checkpoint:
  backend: redis
  key_prefix: staging
redis:
  addr: redis.staging:6379
approval:
  default_timeout: 45m
log:
  level: debug
  format: console
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxRetries)
	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Equal(t, "staging", cfg.Checkpoint.KeyPrefix)
	assert.Equal(t, "redis.staging:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Minute, cfg.Approval.DefaultTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Engine.MaxIterations)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_retries: 7\n"), 0o644))

	t.Setenv("CONDUCTOR_ENGINE_MAX_RETRIES", "9")
	t.Setenv("CONDUCTOR_REDIS_ADDR", "redis.prod:6379")
	t.Setenv("CONDUCTOR_LOG_OUTPUT_PATHS", "stdout, /var/log/conductor.log")
	t.Setenv("CONDUCTOR_TELEMETRY_ENABLED", "true")
	t.Setenv("CONDUCTOR_TELEMETRY_OTLP_ENDPOINT", "otel-collector:4317")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Engine.MaxRetries)
	assert.Equal(t, "redis.prod:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"stdout", "/var/log/conductor.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "otel-collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestValidationRejectsBadValues(t *testing.T) {
	t.Setenv("CONDUCTOR_CHECKPOINT_BACKEND", "carrier-pigeon")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint backend")

	t.Setenv("CONDUCTOR_CHECKPOINT_BACKEND", "memory")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "loud")
	_, err = NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log level")
}

func TestCustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Checkpoint.Backend == "memory" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	require.Error(t, err)
}

func TestBuildLogger(t *testing.T) {
	logger, err := Default().Log.BuildLogger()
	require.NoError(t, err)
	logger.Info("config logger works")

	bad := LogConfig{Level: "shouting"}
	_, err = bad.BuildLogger()
	require.Error(t, err)
}
