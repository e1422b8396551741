package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	assert.Equal(t, 64, cfg.Engine.MaxConcurrency)
	assert.Equal(t, time.Second, cfg.Engine.StopGrace)
	assert.Equal(t, 3, cfg.LLM.RetryCount)
	assert.Equal(t, 2*time.Second, cfg.LLM.RetryDelay)
	assert.Equal(t, int64(4*1024*1024), cfg.Images.MaxBytes)
	assert.Equal(t, "results", cfg.Storage.ResultsDir)
	assert.False(t, cfg.Notify.Enabled())
}

func TestLoad_MissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
engine:
  max_concurrency: 8
  stop_grace: 3s
llm:
  model: local-model
  stream: true
notify:
  sendgrid_api_key: key
  from_address: bot@example.com
  to: ops@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 3*time.Second, cfg.Engine.StopGrace)
	assert.Equal(t, "local-model", cfg.LLM.Model)
	assert.True(t, cfg.LLM.Stream)
	assert.True(t, cfg.Notify.Enabled())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ROWPILOT_SERVER_PORT", "7070")
	t.Setenv("ROWPILOT_LLM_API_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.LLM.APIKey)
}

func TestLoad_InvalidEngineConfig(t *testing.T) {
	t.Setenv("ROWPILOT_ENGINE_MAX_CONCURRENCY", "0")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
