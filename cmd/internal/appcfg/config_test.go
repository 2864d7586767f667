package appcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8787", cfg.Proxy.Endpoint)
	assert.Equal(t, 10, cfg.Loop.MaxIterations)
	assert.Equal(t, []string{"php"}, cfg.Executor.Command)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
proxy:
  endpoint: https://proxy.example.com
  model: fast
loop:
  max_iterations: 6
  auto_roadmap: true
executor:
  timeout_seconds: 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://proxy.example.com", cfg.Proxy.Endpoint)
	assert.Equal(t, "fast", cfg.Proxy.Model)
	assert.Equal(t, 6, cfg.Loop.MaxIterations)
	assert.True(t, cfg.Loop.AutoRoadmap)
	assert.Equal(t, 30*time.Second, cfg.ExecutorTimeout())
	// untouched defaults survive the overlay
	assert.Equal(t, 3, cfg.Loop.MaxRetries)
	assert.Equal(t, "loopsmith.db", cfg.Database)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Proxy.Model = "tuned"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tuned", loaded.Proxy.Model)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy: [not a map"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
