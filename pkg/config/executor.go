package config

import "time"

// ExecutorConfig holds runtime configuration for the function executor.
type ExecutorConfig struct {
	Environment    string        `env:"APP_ENV" envDefault:"development"`
	Addr           string        `env:"EXECUTOR_ADDR" envDefault:":7000"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	Timeout        time.Duration `env:"FUNCTION_TIMEOUT" envDefault:"30s"`
	MaxTimeout     time.Duration `env:"FUNCTION_MAX_TIMEOUT" envDefault:"60s"`
	MemoryLimitMB  int           `env:"FUNCTION_MEMORY_LIMIT_MB" envDefault:"64"`
	CodeCacheTTL   time.Duration `env:"FUNCTION_CODE_CACHE_TTL" envDefault:"10m"`
	MaxEventBytes  int64         `env:"FUNCTION_MAX_EVENT_BYTES" envDefault:"1048576"`
	MaxConcurrency int           `env:"FUNCTION_MAX_CONCURRENCY" envDefault:"16"`

	ControlPlane ControlPlaneConfig
}

// LoadExecutorConfig constructs an ExecutorConfig from environment variables.
func LoadExecutorConfig() (ExecutorConfig, error) {
	cfg, err := load[ExecutorConfig]()
	if err != nil {
		return cfg, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTimeout < cfg.Timeout {
		cfg.MaxTimeout = cfg.Timeout
	}
	if cfg.CodeCacheTTL <= 0 {
		cfg.CodeCacheTTL = 10 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return cfg, nil
}
