package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	APIAddr       string `env:"API_ADDR" envDefault:":21465"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	DataDir       string `env:"DATA_DIR" envDefault:"data/uploads"`

	WebhookURL     string        `env:"WEBHOOK_URL"`
	WebhookEvents  string        `env:"WEBHOOK_EVENTS"`
	WebhookRetries int           `env:"WEBHOOK_RETRIES" envDefault:"3"`
	WebhookBackoff time.Duration `env:"WEBHOOK_BACKOFF" envDefault:"2s"`

	StorageProtocol string `env:"STORAGE_PROTOCOL" envDefault:"http"`
	StorageHost     string `env:"STORAGE_HOST" envDefault:"localhost"`
	StoragePort     string `env:"STORAGE_PORT" envDefault:"21465"`
	StorageSecret   string `env:"STORAGE_SECRET_KEY,notEmpty"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
