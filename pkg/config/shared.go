package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StorageConfig describes the object storage bucket holding build artifacts.
type StorageConfig struct {
	Endpoint   string        `env:"ENDPOINT" envDefault:"minio:9000"`
	AccessKey  string        `env:"ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey  string        `env:"SECRET_KEY" envDefault:"minioadmin"`
	Bucket     string        `env:"BUCKET" envDefault:"peep-artifacts"`
	Region     string        `env:"REGION" envDefault:"us-east-1"`
	UseSSL     bool          `env:"USE_SSL" envDefault:"false"`
	PresignTTL time.Duration `env:"PRESIGN_TTL" envDefault:"5m"`
}

// Validate reports configuration mistakes that would only surface on first use.
func (c StorageConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("artifact endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("artifact endpoint must be host[:port] without scheme, got %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("artifact bucket is required")
	}
	if c.PresignTTL <= 0 || c.PresignTTL > 7*24*time.Hour {
		return fmt.Errorf("artifact presign ttl must be within (0, 168h], got %s", c.PresignTTL)
	}
	return nil
}

// RedisConfig points at the redis instance backing the build queue.
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"redis:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	QueueKey string `env:"QUEUE_KEY" envDefault:"peep:builds"`
}

// ControlPlaneConfig is used by services that call back into the API.
type ControlPlaneConfig struct {
	URL         string        `env:"CONTROL_PLANE_URL" envDefault:"http://api:4000"`
	TokenSecret string        `env:"SERVICE_TOKEN_SECRET" envDefault:"supersecuresecret"`
	TokenTTL    time.Duration `env:"SERVICE_TOKEN_TTL" envDefault:"5m"`
	Timeout     time.Duration `env:"CONTROL_PLANE_TIMEOUT" envDefault:"10s"`
}
