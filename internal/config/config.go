// Package config содержит логику чтения конфигурации сервиса фулфилмента.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса фулфилмента.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	StoreAddress  string `env:"STORE_ADDRESS"`
	AMQPURL       string `env:"AMQP_URL"`
	RedisAddress  string `env:"REDIS_ADDRESS"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	SMTPHost      string `env:"SMTP_HOST"`
	SMTPPort      int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername  string `env:"SMTP_USERNAME"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`
	SMTPFrom      string `env:"SMTP_FROM"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envStoreAddress := cfg.StoreAddress
	envAMQPURL := cfg.AMQPURL
	envRedisAddress := cfg.RedisAddress
	envWebhookSecret := cfg.WebhookSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.StoreAddress, "s", "", "REST store address")
	flag.StringVar(&cfg.AMQPURL, "q", "", "AMQP broker URL")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for idempotency markers")
	flag.StringVar(&cfg.WebhookSecret, "k", "", "payment webhook signing secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStoreAddress != "" {
		cfg.StoreAddress = envStoreAddress
	}
	if envAMQPURL != "" {
		cfg.AMQPURL = envAMQPURL
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envWebhookSecret != "" {
		cfg.WebhookSecret = envWebhookSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
