// Package config содержит логику чтения конфигурации сервиса милей.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса милей.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	FlightFeedAddress string `env:"FLIGHT_FEED_ADDRESS"`
	AuthSecret        string `env:"AUTH_SECRET"`
	StrictReconcile   bool   `env:"STRICT_RECONCILE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения; значения из окружения имеют приоритет. Локальный .env,
// если он есть, подгружается до разбора.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envFlightFeed := cfg.FlightFeedAddress
	envAuthSecret := cfg.AuthSecret
	envStrictSet := os.Getenv("STRICT_RECONCILE") != ""
	envStrict := cfg.StrictReconcile

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.FlightFeedAddress, "f", "", "completed flights feed address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")
	flag.BoolVar(&cfg.StrictReconcile, "strict", false, "verify incremental totals against full replay")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envFlightFeed != "" {
		cfg.FlightFeedAddress = envFlightFeed
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envStrictSet {
		cfg.StrictReconcile = envStrict
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
