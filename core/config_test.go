package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Jobs.MaxConcurrentJobs)
	assert.Equal(t, 30*time.Second, cfg.Jobs.QuickThreshold.Std())
}

func TestLoadConfigLayersYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
jobs:
  max_concurrent_jobs: 8
  quick_threshold: 45s
redis:
  enabled: true
  addr: redis.internal:6379
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Jobs.MaxConcurrentJobs)
	assert.Equal(t, 45*time.Second, cfg.Jobs.QuickThreshold.Std())
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  max_concurrent_jobs: 8\n"), 0o644))

	t.Setenv("MAX_CONCURRENT_JOBS", "3")
	t.Setenv("QUICK_THRESHOLD_MS", "5000")
	t.Setenv("VIDEOAPI_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Jobs.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Second, cfg.Jobs.QuickThreshold.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestDurationYAMLForms(t *testing.T) {
	var out struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
		C Duration `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 1m30s\nb: 250ms\nc: 5000000000\n"), &out))
	assert.Equal(t, 90*time.Second, out.A.Std())
	assert.Equal(t, 250*time.Millisecond, out.B.Std())
	assert.Equal(t, 5*time.Second, out.C.Std())

	require.Error(t, yaml.Unmarshal([]byte("a: fast\n"), &out))
}

func TestDurationJSONRoundTrip(t *testing.T) {
	in := Duration(90 * time.Second)
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var out Duration
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	require.NoError(t, json.Unmarshal([]byte("1500000000"), &out))
	assert.Equal(t, 1500*time.Millisecond, out.Std())
}
