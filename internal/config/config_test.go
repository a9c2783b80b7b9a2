package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://localhost/assistant
s3:
  bucket: assistant-media
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Bus.ClaimMinIdleSeconds)
	assert.Equal(t, 5, cfg.Bus.MaxDeliveries)
	assert.Equal(t, 86400, cfg.AssemblyTTLSeconds)
	assert.Equal(t, 24*time.Hour, cfg.AssemblyTTL())
	assert.Equal(t, time.Minute, cfg.ClaimMinIdle())
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60, cfg.CircuitBreaker.RecoverySeconds)
	assert.Equal(t, int32(25), cfg.Postgres.MaxConns)
	assert.Equal(t, 15.0, cfg.Storage.QuotaGBPerTenant)
	assert.Equal(t, 15, cfg.Crawl.TimeoutSeconds)
	assert.Equal(t, int64(10<<20), cfg.Crawl.MaxBodyBytes)
	assert.Equal(t, 3, cfg.Crawl.MaxRedirects)
}

func TestLoad_YAMLOverrides(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://localhost/assistant
s3:
  bucket: assistant-media
assembly_ttl_seconds: 3600
bus:
  max_deliveries: 8
vision:
  enabled: true
  max_daily_tokens_per_tenant: 250000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3600, cfg.AssemblyTTLSeconds)
	assert.Equal(t, 8, cfg.Bus.MaxDeliveries)
	assert.True(t, cfg.VisionPolicy.Enabled)
	assert.Equal(t, int64(250000), cfg.VisionPolicy.MaxDailyTokens)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-host/assistant")
	t.Setenv("VISION_ENABLED", "true")

	path := writeConfig(t, `
postgres:
  dsn: postgres://file-host/assistant
s3:
  bucket: assistant-media
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-host/assistant", cfg.Postgres.DSN)
	assert.True(t, cfg.VisionPolicy.Enabled)
}

func TestLoad_RequiresDSNAndBucket(t *testing.T) {
	path := writeConfig(t, `
s3:
  bucket: assistant-media
`)
	_, err := Load(path)
	assert.Error(t, err)
}
