// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mbd888/sessionguard/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage. Empty keeps assessments in memory, "sqlite:<path>" uses an
	// embedded database, anything else is a PostgreSQL DSN.
	DatabaseURL string

	// Scoring
	WeightsFile  string // YAML weight/rule file (optional, built-in defaults otherwise)
	HardRuleMode string
	TopK         int

	// Security
	AdminSecret  string // Required for PUT /v1/weights
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultHardRuleMode = string(risk.HardRuleOverride)
	DefaultRateLimit    = 600
)

// Storage drivers selected by DatabaseURL.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		WeightsFile:  os.Getenv("WEIGHTS_FILE"),
		HardRuleMode: getEnv("HARD_RULE_MODE", DefaultHardRuleMode),
		TopK:         int(getEnvInt64("TOP_K", risk.DefaultTopK)),
		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if _, err := risk.ParseHardRuleMode(c.HardRuleMode); err != nil {
		return fmt.Errorf("HARD_RULE_MODE: %w", err)
	}

	if c.TopK < 0 {
		return fmt.Errorf("TOP_K must be >= 0, got %d", c.TopK)
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive, got %d", c.RateLimitRPM)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	if c.DatabaseDriver() == DriverSQLite && c.SQLitePath() == "" {
		return fmt.Errorf("DATABASE_URL sqlite: requires a path")
	}

	return nil
}

// Mode returns the parsed hard rule mode. Call after Validate.
func (c *Config) Mode() risk.HardRuleMode {
	m, err := risk.ParseHardRuleMode(c.HardRuleMode)
	if err != nil {
		return risk.HardRuleOverride
	}
	return m
}

// DatabaseDriver reports which assessment store DatabaseURL selects.
func (c *Config) DatabaseDriver() string {
	switch {
	case c.DatabaseURL == "":
		return DriverMemory
	case strings.HasPrefix(c.DatabaseURL, "sqlite:"):
		return DriverSQLite
	default:
		return DriverPostgres
	}
}

// SQLitePath returns the file path of a sqlite: DatabaseURL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(strings.TrimPrefix(c.DatabaseURL, "sqlite:"), "//")
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
