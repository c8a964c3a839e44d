package config

import (
	"os"
	"strings"
	"time"
)

// BuilderConfig holds runtime configuration for the builder service.
type BuilderConfig struct {
	Environment    string        `env:"APP_ENV" envDefault:"development"`
	Addr           string        `env:"BUILDER_ADDR" envDefault:":5000"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	InstanceID     string        `env:"BUILDER_INSTANCE_ID"`
	Workers        int           `env:"BUILDER_WORKERS" envDefault:"2"`
	Workdir        string        `env:"BUILDER_WORKDIR" envDefault:"/tmp/peep"`
	Runner         string        `env:"BUILDER_RUNNER" envDefault:"local"`
	DockerHost     string        `env:"DOCKER_HOST" envDefault:"unix:///var/run/docker.sock"`
	BuildImage     string        `env:"BUILDER_IMAGE" envDefault:"node:20-bullseye"`
	PollTimeout    time.Duration `env:"QUEUE_POLL_TIMEOUT" envDefault:"5s"`
	CloneTimeout   time.Duration `env:"CLONE_TIMEOUT" envDefault:"5m"`
	InstallTimeout time.Duration `env:"INSTALL_TIMEOUT" envDefault:"10m"`
	BuildTimeout   time.Duration `env:"BUILD_TIMEOUT" envDefault:"30m"`
	UploadTimeout  time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"10m"`
	RootDomain     string        `env:"PLATFORM_ROOT_DOMAIN" envDefault:"platform.example"`
	PublicScheme   string        `env:"PLATFORM_PUBLIC_SCHEME" envDefault:"https"`

	Storage      StorageConfig `envPrefix:"ARTIFACT_"`
	Redis        RedisConfig   `envPrefix:"REDIS_"`
	ControlPlane ControlPlaneConfig
}

// LoadBuilderConfig constructs a BuilderConfig from environment variables.
func LoadBuilderConfig() (BuilderConfig, error) {
	cfg, err := load[BuilderConfig]()
	if err != nil {
		return cfg, err
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *BuilderConfig) Sanitize() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if strings.TrimSpace(c.InstanceID) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "builder"
		}
		c.InstanceID = host
	}
	c.RootDomain = strings.Trim(strings.ToLower(strings.TrimSpace(c.RootDomain)), ".")
	if c.PublicScheme == "" {
		c.PublicScheme = "https"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
}
