package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "stepflow.db", cfg.Storage.Path)
	assert.Equal(t, 100, cfg.Engine.MaxSteps)
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.Retention)
	assert.Equal(t, uint64(2), cfg.Engine.Retry.MaxRetries)
	assert.Equal(t, 72*time.Hour, cfg.Approvals.DefaultTimeout)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestDefault(t *testing.T) {
	t.Setenv("STEPFLOW_SERVER_ADDR", ":9999")

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 200*time.Millisecond, cfg.Engine.Retry.InitialInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
engine:
  max_steps: 25
  retry:
    max_retries: 5
approvals:
  role_timeouts:
    underwriter: 48h
notifications:
  webhooks:
    slack:
      url: https://hooks.example.com/x
      headers:
        x-token: abc
env:
  REGION: eu-west-1
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 25, cfg.Engine.MaxSteps)
	assert.Equal(t, uint64(5), cfg.Engine.Retry.MaxRetries)
	assert.Equal(t, 48*time.Hour, cfg.Approvals.RoleTimeouts["underwriter"])
	assert.Equal(t, "https://hooks.example.com/x", cfg.Notifications.Webhooks["slack"].URL)
	assert.Equal(t, "abc", cfg.Notifications.Webhooks["slack"].Headers["x-token"])
	assert.Equal(t, "eu-west-1", cfg.Env["region"], "viper lowercases map keys")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STEPFLOW_SERVER_ADDR", ":7070")
	t.Setenv("STEPFLOW_ENGINE_MAX_STEPS", "7")
	path := writeConfig(t, "server:\n  addr: \":9090\"\n")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Engine.MaxSteps)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown driver", "storage:\n  driver: mysql\n", "unknown storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "postgres_dsn is required"},
		{"bad max steps", "engine:\n  max_steps: 0\n", "max_steps must be positive"},
		{"bad log format", "log:\n  format: xml\n", "unknown log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(New(), writeConfig(t, tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
