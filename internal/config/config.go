package config

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	DatabaseURL    string
	Store          string
	MigrationsPath string
	LogLevel       string
	LogFormat      string
	Port           string
	PrometheusPort string
	TelegramToken  string

	RedisAddr     string
	NATSURL       string
	FanoutBus     string
	FanoutChannel string

	Ledger LedgerConfig
	Fanout FanoutConfig
}

// LedgerConfig tunes the reservation ledger.
type LedgerConfig struct {
	Lock           string
	MaxAttempts    int
	AttemptTimeout time.Duration
	LockTTL        time.Duration
	Isolation      sql.IsolationLevel
}

// FanoutConfig tunes live delivery to subscribers.
type FanoutConfig struct {
	SendTimeout time.Duration
	Buffer      int
	BusBuffer   int
}

// Load loads configuration from the environment. A .env file in the working
// directory is read first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		Store:          strings.ToLower(getEnvOrDefault("STORE", "postgres")),
		MigrationsPath: getEnvOrDefault("MIGRATIONS_PATH", "migrations"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:      getEnvOrDefault("LOG_FORMAT", "text"),
		Port:           getEnvOrDefault("PORT", "8080"),
		PrometheusPort: getEnvOrDefault("PROMETHEUS_PORT", "9090"),
		TelegramToken:  os.Getenv("TELEGRAM_TOKEN"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		NATSURL:        os.Getenv("NATS_URL"),
		FanoutBus:      strings.ToLower(getEnvOrDefault("FANOUT_BUS", "none")),
		FanoutChannel:  getEnvOrDefault("FANOUT_CHANNEL", "wishpool.snapshots"),
	}

	var err error
	if cfg.Ledger.MaxAttempts, err = getEnvInt("LEDGER_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.Ledger.AttemptTimeout, err = getEnvDuration("LEDGER_ATTEMPT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Ledger.LockTTL, err = getEnvDuration("LEDGER_LOCK_TTL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Ledger.Isolation, err = parseIsolation(getEnvOrDefault("LEDGER_ISOLATION", "read_committed")); err != nil {
		return nil, err
	}
	cfg.Ledger.Lock = strings.ToLower(getEnvOrDefault("LEDGER_LOCK", "local"))

	if cfg.Fanout.SendTimeout, err = getEnvDuration("FANOUT_SEND_TIMEOUT", 250*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Fanout.Buffer, err = getEnvInt("FANOUT_BUFFER", 16); err != nil {
		return nil, err
	}
	if cfg.Fanout.BusBuffer, err = getEnvInt("FANOUT_BUS_BUFFER", 256); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}

	switch c.Ledger.Lock {
	case "local":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when LEDGER_LOCK=redis")
		}
		if c.Ledger.LockTTL <= c.Ledger.AttemptTimeout {
			return fmt.Errorf("LEDGER_LOCK_TTL must exceed LEDGER_ATTEMPT_TIMEOUT")
		}
	default:
		return fmt.Errorf("unknown LEDGER_LOCK %q", c.Ledger.Lock)
	}

	switch c.FanoutBus {
	case "none":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when FANOUT_BUS=redis")
		}
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when FANOUT_BUS=nats")
		}
	default:
		return fmt.Errorf("unknown FANOUT_BUS %q", c.FanoutBus)
	}

	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Fanout.Buffer < 1 {
		return fmt.Errorf("FANOUT_BUFFER must be at least 1")
	}
	if c.Fanout.BusBuffer < 1 {
		return fmt.Errorf("FANOUT_BUS_BUFFER must be at least 1")
	}
	return nil
}

// getEnvOrDefault returns environment variable value or default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return v, nil
}

func parseIsolation(raw string) (sql.IsolationLevel, error) {
	switch strings.ToLower(raw) {
	case "", "default":
		return sql.LevelDefault, nil
	case "read_committed":
		return sql.LevelReadCommitted, nil
	case "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	}
	return sql.LevelDefault, fmt.Errorf("LEDGER_ISOLATION: unknown level %q", raw)
}
