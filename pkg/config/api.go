package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string        `env:"APP_ENV" envDefault:"development"`
	Addr               string        `env:"API_ADDR" envDefault:":4000"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL        string        `env:"DATABASE_URL" envDefault:"postgres://vercel:vercel@db:5432/vercel?sslmode=disable"`
	MigrationsDir      string        `env:"DB_MIGRATIONS_DIR"`
	APIToken           string        `env:"API_TOKEN"`
	ServiceTokenSecret string        `env:"SERVICE_TOKEN_SECRET" envDefault:"supersecuresecret"`
	WebhookKey         string        `env:"WEBHOOK_ENCRYPTION_KEY" envDefault:"supersecuresecret"`
	DefaultBranch      string        `env:"DEFAULT_BRANCH" envDefault:"main"`
	EventBuffer        int           `env:"WS_EVENT_BUFFER" envDefault:"64"`
	EnqueueAttempts    int           `env:"ENQUEUE_RETRY_ATTEMPTS" envDefault:"0"`
	EnqueueBackoff     time.Duration `env:"ENQUEUE_RETRY_BACKOFF" envDefault:"250ms"`
	Redis              RedisConfig   `envPrefix:"REDIS_"`
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() (APIConfig, error) {
	cfg, err := load[APIConfig]()
	if err != nil {
		return cfg, err
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.EnqueueAttempts < 0 {
		cfg.EnqueueAttempts = 0
	}
	return cfg, nil
}
