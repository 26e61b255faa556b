package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the config dir inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "gatewarden")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 8088
  http_host: 127.0.0.1
storage:
  driver: sqlite
  path: /tmp/gw.db
orchestrator:
  tool_timeout: 5s
  tool_retries: 2
extraction:
  enabled: true
  model: gpt-4o
  api_key: sk-test-value
observability:
  enable_telemetry: true
  service_name: gatewarden-test
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/gw.db", cfg.Storage.Path)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.ToolTimeout)
	assert.Equal(t, 2, cfg.Orchestrator.ToolRetries)
	assert.True(t, cfg.Extraction.Enabled)
	assert.Equal(t, "sk-test-value", cfg.Extraction.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.Extraction.APIKey.String())
	assert.Equal(t, "gatewarden-test", cfg.Observability.ServiceName)

	// defaults still fill the gaps
	assert.Equal(t, 15000, cfg.Extraction.MaxChars)
	assert.Equal(t, "json", cfg.Evidence.Format)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 9090
observability:
  service_name: yaml-service
`, 0600)

	t.Setenv("GATEWARDEN_SERVER_HTTP_PORT", "7777")
	t.Setenv("GATEWARDEN_OBSERVABILITY_SERVICE_NAME", "env-service")
	t.Setenv("GATEWARDEN_ORCHESTRATOR_CONTINUE_ON_ERROR", "true")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "env-service", cfg.Observability.ServiceName)
	assert.True(t, cfg.Orchestrator.ContinueOnError)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ToolTimeout)
	assert.Equal(t, "gatewarden.audit", cfg.Audit.SubjectPrefix)
	assert.False(t, cfg.Extraction.Enabled)
}

func TestLoadWithFile_Rejections(t *testing.T) {
	t.Run("insecure permissions", func(t *testing.T) {
		dir := setupTestHome(t)
		path := writeConfig(t, dir, "server:\n  http_port: 9090\n", 0644)

		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("path outside allowed dirs", func(t *testing.T) {
		setupTestHome(t)
		other := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(other, []byte("server: {}\n"), 0600))

		_, err := LoadWithFile(other)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config file must be in")
	})

	t.Run("sibling directory with shared prefix", func(t *testing.T) {
		dir := setupTestHome(t)
		sibling := dir + "-evil"
		require.NoError(t, os.MkdirAll(sibling, 0700))
		path := writeConfig(t, sibling, "server: {}\n", 0600)

		_, err := LoadWithFile(path)
		require.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		dir := setupTestHome(t)
		path := writeConfig(t, dir, "storage:\n  driver: postgres\n", 0600)

		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown storage driver")
	})
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"GATEWARDEN_SERVER_HTTP_PORT":          "server.http_port",
		"GATEWARDEN_EXTRACTION_API_KEY":        "extraction.api_key",
		"GATEWARDEN_POLICY_WATCH":              "policy.watch",
		"GATEWARDEN_ORCHESTRATOR_TOOL_RETRIES": "orchestrator.tool_retries",
		"GATEWARDEN_STANDALONE":                "standalone",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
