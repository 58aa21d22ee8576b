package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Model)
	assert.Equal(t, 2*time.Hour, cfg.Timeouts.Training)
	assert.Empty(t, cfg.Nodes)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 127.0.0.1
  port: 9090
timeouts:
  model: 45s
  training: 90m
nodes:
  - key: svm
    displayName: SVM classifier
    predictUrl: http://svm:5000/predict
    trainUrl: http://svm:5000/train
    healthUrl: http://svm:5000/health
    enabled: true
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Model)
	assert.Equal(t, 90*time.Minute, cfg.Timeouts.Training)

	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "svm", cfg.Nodes[0].Key)
	assert.True(t, cfg.Nodes[0].Enabled)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts:\n  model: soon\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_PORT", "7777")
	t.Setenv("ORCHESTRATOR_MODEL_TIMEOUT", "5s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Model)
}
