package config

import (
	"strings"
	"time"
)

// RouterConfig holds runtime configuration for the request router.
type RouterConfig struct {
	Environment     string        `env:"APP_ENV" envDefault:"development"`
	Addr            string        `env:"ROUTER_ADDR" envDefault:":8080"`
	AdminAddr       string        `env:"ROUTER_ADMIN_ADDR" envDefault:":8081"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	RootDomain      string        `env:"PLATFORM_ROOT_DOMAIN" envDefault:"platform.example"`
	CacheTTL        time.Duration `env:"DOMAIN_CACHE_TTL" envDefault:"5m"`
	SweepInterval   time.Duration `env:"DOMAIN_CACHE_SWEEP_INTERVAL" envDefault:"5m"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`

	Storage      StorageConfig `envPrefix:"ARTIFACT_"`
	ControlPlane ControlPlaneConfig
}

// LoadRouterConfig constructs a RouterConfig from environment variables.
func LoadRouterConfig() (RouterConfig, error) {
	cfg, err := load[RouterConfig]()
	if err != nil {
		return cfg, err
	}
	cfg.RootDomain = strings.Trim(strings.ToLower(strings.TrimSpace(cfg.RootDomain)), ".")
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.CacheTTL
	}
	return cfg, nil
}
