package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Store struct {
		Driver string // sqlite, postgres or memory
		DSN    string
	}
	NATS struct {
		URL string // empty means poll-only
	}
	HTTP struct {
		Addr string
	}
	Bus struct {
		MaxAttempts     int
		BackoffSchedule []time.Duration
	}
	Scheduler struct {
		PollInterval time.Duration
		IdleGrace    time.Duration
		StaleClaim   time.Duration
	}
}

// Load reads configuration from environment variables with defaults that
// run the bus standalone on an embedded SQLite file.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.Store.Driver = getEnv("RELAY_STORE_DRIVER", "sqlite")
	cfg.Store.DSN = getEnv("RELAY_STORE_DSN", "relay.db")
	cfg.NATS.URL = getEnv("RELAY_NATS_URL", "")
	cfg.HTTP.Addr = getEnv("RELAY_HTTP_ADDR", ":8080")
	cfg.Bus.MaxAttempts = getEnvInt("RELAY_MAX_ATTEMPTS", 5)
	cfg.Scheduler.PollInterval = getEnvDuration("RELAY_POLL_INTERVAL", 30*time.Second)
	cfg.Scheduler.IdleGrace = getEnvDuration("RELAY_IDLE_GRACE", 2*time.Minute)
	cfg.Scheduler.StaleClaim = getEnvDuration("RELAY_STALE_CLAIM", 10*time.Minute)

	schedule, err := parseSchedule(getEnv("RELAY_BACKOFF_SCHEDULE", ""))
	if err != nil {
		return nil, fmt.Errorf("RELAY_BACKOFF_SCHEDULE: %w", err)
	}
	cfg.Bus.BackoffSchedule = schedule

	switch cfg.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return nil, fmt.Errorf("RELAY_STORE_DRIVER: unknown driver %q", cfg.Store.Driver)
	}
	if cfg.Bus.MaxAttempts < 1 {
		return nil, fmt.Errorf("RELAY_MAX_ATTEMPTS: must be at least 1, got %d", cfg.Bus.MaxAttempts)
	}
	return cfg, nil
}

// parseSchedule parses a comma-separated duration list, e.g.
// "5s,30s,2m,10m,1h". Empty input means the built-in default.
func parseSchedule(v string) ([]time.Duration, error) {
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad duration %q: %w", p, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration %q must be positive", p)
		}
		out = append(out, d)
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
