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
	path := filepath.Join(t.TempDir(), "crmsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "crmsync.db", cfg.Database)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Engine.CallTimeout)
	assert.Equal(t, 5, cfg.Engine.FailureThreshold)
	assert.Equal(t, ":8080", cfg.Admin.Listen)
	assert.Empty(t, cfg.Credentials.Key)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database: /var/lib/crmsync/state.db
log:
  level: debug
  format: json
engine:
  workers: 8
  rate_per_second: 2.5
  burst: 3
  call_timeout: 5s
  backoff_base: 250ms
  failure_threshold: 0
admin:
  listen: 127.0.0.1:9000
  jwt_secret: s3cret
  allowed_origins:
    - https://admin.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/crmsync/state.db", cfg.Database)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.InDelta(t, 2.5, cfg.Engine.RatePerSecond, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.Engine.CallTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.BackoffBase)
	assert.Equal(t, 0, cfg.Engine.FailureThreshold)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts, "unset keys keep their default")
	assert.Equal(t, []string{"https://admin.example.com"}, cfg.Admin.AllowedOrigins)
}

func TestLoadSearchesConfigDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "crmsync.yaml"), []byte("database: found.db\n"), 0o600))
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "found.db", cfg.Database)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  workers: 8\n")
	t.Setenv("CRMSYNC_ENGINE_WORKERS", "2")
	t.Setenv("CRMSYNC_ADMIN_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, "from-env", cfg.Admin.JWTSecret)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no workers", "engine:\n  workers: 0\n", "engine.workers"},
		{"no attempts", "engine:\n  max_attempts: 0\n", "engine.max_attempts"},
		{"negative rate", "engine:\n  rate_per_second: -1\n", "engine.rate_per_second"},
		{"negative threshold", "engine:\n  failure_threshold: -2\n", "engine.failure_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
