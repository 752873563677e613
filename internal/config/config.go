package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable named in the external interfaces section.
// It is loaded once per process and passed down explicitly; there is no
// package-level singleton.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	ServerHost    string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	ServerPort    int           `env:"SERVER_PORT" envDefault:"8080"`
	ServerTimeout time.Duration `env:"SERVER_TIMEOUT" envDefault:"10s"`
	DrainTimeout  time.Duration `env:"SERVER_DRAIN_TIMEOUT" envDefault:"15s"`

	StoreHost     string        `env:"STORE_HOST" envDefault:"localhost"`
	StorePort     int           `env:"STORE_PORT" envDefault:"5432"`
	StoreUser     string        `env:"STORE_USER" envDefault:"txgate"`
	StorePassword string        `env:"STORE_PASSWORD" envDefault:"txgate"`
	StoreDatabase string        `env:"STORE_DATABASE" envDefault:"txgate"`
	StoreSSLMode  string        `env:"STORE_SSLMODE" envDefault:"disable"`
	StateTTL      time.Duration `env:"STATE_TTL" envDefault:"24h"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	QueueName              string        `env:"QUEUE_NAME" envDefault:"txgate"`
	QueueWorkerConcurrency int           `env:"QUEUE_WORKER_CONCURRENCY" envDefault:"10"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES" envDefault:"5"`
	QueueRetryBase         time.Duration `env:"QUEUE_RETRY_BASE" envDefault:"1s"`
	QueueLeaseTimeout      time.Duration `env:"QUEUE_LEASE_TIMEOUT" envDefault:"30s"`

	PostingURL     string        `env:"POSTING_URL" envDefault:"http://localhost:4000"`
	PostingTimeout time.Duration `env:"POSTING_TIMEOUT" envDefault:"5s"`
}

// Load parses Config from the environment. It returns an error instead of
// calling log.Fatal so that callers (and tests) control process exit.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// PostgresDSN builds the libpq connection string pgx expects.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.StoreUser, c.StorePassword, c.StoreHost, c.StorePort, c.StoreDatabase, c.StoreSSLMode)
}

// ServerAddr is the listen address for the ingress HTTP server.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
