/*
config.go - Environment-driven configuration

PURPOSE:
  Loads server configuration from environment variables, optionally
  seeded from a .env file via godotenv. Command-line flags in
  cmd/server/main.go override these values.

VARIABLES:
  PORT                HTTP server port (default 8080)
  DB_PATH             SQLite database path (default trace.db)
  LOG_LEVEL           "debug" or "production" (default production)
  RECONCILE_INTERVAL  Replay-check sweep interval (default 1h, 0 disables)

SEE ALSO:
  - cmd/server/main.go: The only consumer
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server settings.
type Config struct {
	Port              int
	DBPath            string
	LogLevel          string
	ReconcileInterval time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; a missing file is not
// an error.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:              8080,
		DBPath:            "trace.db",
		LogLevel:          "production",
		ReconcileInterval: time.Hour,
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RECONCILE_INTERVAL %q: %w", v, err)
		}
		cfg.ReconcileInterval = d
	}

	return cfg, nil
}
