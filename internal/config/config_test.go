package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	op := cfg.OperationConfig()
	assert.Equal(t, 10, op.WorkerCount)
	assert.Equal(t, 1000, op.QueueCapacity)
	assert.Equal(t, 10*time.Minute, op.DefaultTimeout)
	assert.Equal(t, 10*time.Second, op.FacetTimeoutMargin)
	assert.Equal(t, 5*time.Second, op.ShutdownGrace)
	assert.Equal(t, 30*time.Second, op.NotifyTimeout)
	assert.Empty(t, cfg.Controller.Address)
}

func TestLoad_ValidYAML(t *testing.T) {
	// 創建臨時配置文件
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "opgate.yaml")

	configContent := `
operation:
  worker_count: 4
  queue_capacity: 50
  default_timeout_seconds: 120
  facet_timeout_margin: 3s
  shutdown_grace: 2s
controller:
  address: localhost:50051
metrics:
  enabled: false
tracing:
  enabled: true
  pretty: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Operation.WorkerCount)
	assert.Equal(t, 50, cfg.Operation.QueueCapacity)
	assert.Equal(t, 3*time.Second, cfg.Operation.FacetTimeoutMargin)
	assert.Equal(t, "localhost:50051", cfg.Controller.Address)
	assert.False(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Tracing.Enabled)
	assert.True(t, cfg.Tracing.Pretty)

	// 未設定的欄位保留預設值
	assert.Equal(t, 30*time.Second, cfg.Operation.NotifyTimeout)
	assert.Equal(t, 9090, cfg.Metrics.Port)

	op := cfg.OperationConfig()
	assert.Equal(t, 2*time.Minute, op.DefaultTimeout)
	assert.Equal(t, 2*time.Second, op.ShutdownGrace)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/opgate.yaml")
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("operation: [not, a, map"))
	assert.ErrorContains(t, err, "failed to parse config YAML")
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte("operation:\n  shutdown_grace: soon\n"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryError(t *testing.T) {
	cfg := Default()
	cfg.Operation.WorkerCount = 0
	cfg.Operation.QueueCapacity = -1
	cfg.Operation.DefaultTimeoutSeconds = 0
	cfg.Operation.NotifyTimeout = -time.Second
	cfg.Metrics.Port = 70000

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 5)
	assert.Contains(t, err.Error(), "operation.worker_count")
	assert.Contains(t, err.Error(), "metrics.port")
}

func TestValidateIgnoresPortWhenMetricsDisabled(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0
	assert.NoError(t, cfg.Validate())
}

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		EnvControllerAddress: "controller:50051",
		EnvWorkerCount:       "3",
		EnvMetricsPort:       "9191",
	}))
	require.NoError(t, err)

	assert.Equal(t, "controller:50051", cfg.Controller.Address)
	assert.Equal(t, 3, cfg.Operation.WorkerCount)
	assert.Equal(t, 9191, cfg.Metrics.Port)
}

func TestApplyEnv_InvalidNumbers(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		EnvWorkerCount: "many",
		EnvMetricsPort: "http",
	}))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	// 解析失敗的欄位保持原值
	assert.Equal(t, 10, cfg.Operation.WorkerCount)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "opgate.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("controller:\n  address: file:1\n"), 0644))

	t.Setenv(EnvControllerAddress, "env:2")
	t.Setenv(EnvWorkerCount, "0")

	_, err := Load(configPath)
	assert.ErrorContains(t, err, "operation.worker_count")

	t.Setenv(EnvWorkerCount, "2")
	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "env:2", cfg.Controller.Address)
	assert.Equal(t, 2, cfg.Operation.WorkerCount)
}
