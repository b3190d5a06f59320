package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the scanforge server.
type Config struct {
	Server    ServerConfig
	Paths     PathsConfig
	Scheduler SchedulerConfig
	OCR       OCRConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type PathsConfig struct {
	InputsDir  string
	OutputsDir string
	StateDir   string
}

type SchedulerConfig struct {
	// GPUCount overrides GPU auto-detection when > 0.
	GPUCount             int
	BasePort             int
	StartupTimeout       time.Duration
	GPUMemoryUtilization float64
	DataParallelSize     int
	MaxModelLen          int
}

type OCRConfig struct {
	// MaxConcurrentRequests bounds in-flight OCR calls per run.
	MaxConcurrentRequests int
	RequestTimeout        time.Duration
	MaxTokens             int

	// RunFailureThreshold is the fraction of attempted pages that must fail
	// before a run is marked failed instead of succeeded with page errors.
	RunFailureThreshold float64
}

// Load reads configuration from environment variables (with a best-effort
// .env load first) and returns a validated Config.
func Load() (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SCANFORGE_PORT", 8787),
			Env:  envString("SCANFORGE_ENV", "development"),
		},
		Paths: PathsConfig{
			InputsDir:  envString("INPUTS_DIR", "inputs"),
			OutputsDir: envString("OUTPUTS_DIR", "outputs"),
			StateDir:   envString("STATE_DIR", ".scanforge"),
		},
		Scheduler: SchedulerConfig{
			GPUCount:             envInt("GPU_COUNT", 0),
			BasePort:             envInt("VLLM_BASE_PORT", 9000),
			StartupTimeout:       envDurationSecs("VLLM_STARTUP_TIMEOUT_SECS", 15*time.Minute),
			GPUMemoryUtilization: envFloat("VLLM_GPU_MEMORY_UTILIZATION", 0.90),
			DataParallelSize:     envInt("VLLM_DATA_PARALLEL_SIZE", 1),
			MaxModelLen:          envInt("VLLM_MAX_MODEL_LEN", 0),
		},
		OCR: OCRConfig{
			MaxConcurrentRequests: envInt("MAX_CONCURRENT_REQUESTS", 8),
			RequestTimeout:        envDurationSecs("OCR_REQUEST_TIMEOUT_SECS", 5*time.Minute),
			MaxTokens:             envInt("OCR_MAX_TOKENS", 2048),
			RunFailureThreshold:   envFloat("RUN_FAILURE_THRESHOLD", 1.0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SCANFORGE_PORT must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Paths.OutputsDir == "" {
		return fmt.Errorf("OUTPUTS_DIR must not be empty")
	}
	if c.OCR.MaxConcurrentRequests < 1 {
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be >= 1, got %d", c.OCR.MaxConcurrentRequests)
	}
	if c.OCR.RunFailureThreshold <= 0 || c.OCR.RunFailureThreshold > 1 {
		return fmt.Errorf("RUN_FAILURE_THRESHOLD must be in (0, 1], got %v", c.OCR.RunFailureThreshold)
	}
	if c.Scheduler.GPUMemoryUtilization <= 0 || c.Scheduler.GPUMemoryUtilization > 1 {
		return fmt.Errorf("VLLM_GPU_MEMORY_UTILIZATION must be in (0, 1], got %v", c.Scheduler.GPUMemoryUtilization)
	}
	if c.Scheduler.DataParallelSize < 1 {
		return fmt.Errorf("VLLM_DATA_PARALLEL_SIZE must be >= 1, got %d", c.Scheduler.DataParallelSize)
	}
	if c.Scheduler.StartupTimeout < time.Second {
		return fmt.Errorf("VLLM_STARTUP_TIMEOUT_SECS must be >= 1, got %v", c.Scheduler.StartupTimeout)
	}
	return nil
}

// EnsureDirs creates the runtime directories if they do not exist.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Paths.InputsDir, c.Paths.OutputsDir, c.Paths.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
