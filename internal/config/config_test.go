package config_test

import (
	"testing"

	"github.com/avelier/scanforge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, "outputs", cfg.Paths.OutputsDir)
	assert.Equal(t, 8, cfg.OCR.MaxConcurrentRequests)
	assert.Equal(t, 1.0, cfg.OCR.RunFailureThreshold)
	assert.Equal(t, 9000, cfg.Scheduler.BasePort)
	assert.Equal(t, 0.90, cfg.Scheduler.GPUMemoryUtilization)
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("SCANFORGE_PORT", "9999")
	t.Setenv("OUTPUTS_DIR", "/tmp/outputs")
	t.Setenv("GPU_COUNT", "4")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "2")
	t.Setenv("RUN_FAILURE_THRESHOLD", "0.5")
	t.Setenv("VLLM_STARTUP_TIMEOUT_SECS", "60")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "/tmp/outputs", cfg.Paths.OutputsDir)
	assert.Equal(t, 4, cfg.Scheduler.GPUCount)
	assert.Equal(t, 2, cfg.OCR.MaxConcurrentRequests)
	assert.Equal(t, 0.5, cfg.OCR.RunFailureThreshold)
	assert.Equal(t, float64(60), cfg.Scheduler.StartupTimeout.Seconds())
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("SCANFORGE_PORT", "70000")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCANFORGE_PORT")
}

func TestLoad_InvalidConcurrency(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_REQUESTS", "0")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CONCURRENT_REQUESTS")
}

func TestLoad_InvalidThreshold(t *testing.T) {
	t.Setenv("RUN_FAILURE_THRESHOLD", "1.5")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUN_FAILURE_THRESHOLD")
}

func TestLoad_MalformedIntFallsBackToDefault(t *testing.T) {
	t.Setenv("VLLM_BASE_PORT", "not-a-number")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Scheduler.BasePort)
}
