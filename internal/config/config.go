// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the ingestion service.
type Config struct {
	HTTPPort string

	// Credential store (gorm).
	StoreDriver string // "postgres" or "sqlite"
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	SQLitePath  string

	// Tenant writes.
	WriteMode               string
	OperationTimeout        time.Duration
	ConnectTimeout          time.Duration
	MaxConcurrentIngestions int

	// Audit sinks.
	AuditLogPath     string
	NATSURL          string
	NATSAuditSubject string
	NATSAuditStream  string

	ProbeSchedule string

	LogLevel  string
	LogFormat string
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		StoreDriver:      strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "postgres"),
		DBPassword:       getEnv("DB_PASSWORD", ""),
		DBName:           getEnv("DB_NAME", "indexer"),
		DBSSLMode:        getEnv("DB_SSLMODE", "disable"),
		SQLitePath:       getEnv("SQLITE_PATH", "connections.db"),
		WriteMode:        strings.ToLower(getEnv("WRITE_MODE", "append")),
		AuditLogPath:     getEnv("AUDIT_LOG_PATH", "webhook_logs.json"),
		NATSURL:          getEnv("NATS_URL", ""),
		NATSAuditSubject: getEnv("NATS_AUDIT_SUBJECT", "helius.events.raw"),
		NATSAuditStream:  getEnv("NATS_AUDIT_STREAM", "HELIUS_EVENTS"),
		ProbeSchedule:    getEnv("PROBE_SCHEDULE", "0 */5 * * * *"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.OperationTimeout, err = getDuration("OPERATION_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = getDuration("CONNECT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentIngestions, err = getInt("MAX_CONCURRENT_INGESTIONS", 8); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: must be postgres or sqlite", c.StoreDriver)
	}
	switch c.WriteMode {
	case "append", "upsert":
	default:
		return fmt.Errorf("invalid WRITE_MODE %q: must be append or upsert", c.WriteMode)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("OPERATION_TIMEOUT must be positive, got %s", c.OperationTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be positive, got %s", c.ConnectTimeout)
	}
	if c.MaxConcurrentIngestions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_INGESTIONS must be at least 1, got %d", c.MaxConcurrentIngestions)
	}
	return nil
}

// StoreDSN returns the gorm postgres DSN of the credential store.
func (c *Config) StoreDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

// getEnv reads an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
